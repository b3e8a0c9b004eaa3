package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/internal/bus/transport"
	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
	"github.com/nmxmxh/htpi-gateway/pkg/json"
	"github.com/nmxmxh/htpi-gateway/pkg/metrics"
	"github.com/nmxmxh/htpi-gateway/pkg/tracing"
)

// Reasons a reply is dropped, used as metric labels.
const (
	dropMalformed       = "malformed"
	dropUnknownRequest  = "unknown_request"
	dropConnectionMatch = "connection_mismatch"
	dropBadSubject      = "bad_subject"
)

const (
	defaultPublishers   = 4
	defaultPublishQueue = 1024
)

var errPublishQueueFull = gwerrors.New(gwerrors.KindServiceUnavailable, "Too many outstanding requests")

// LiveOptions configures a LiveBridge.
type LiveOptions struct {
	Subjects    Subjects
	InstanceID  string
	CallTimeout time.Duration
	// Publishers is the number of goroutines writing to the transport.
	Publishers int
	// PublishQueue bounds the calls waiting for a publisher. Calls beyond it
	// complete at once with ServiceUnavailable.
	PublishQueue int
	Logger       *zap.Logger
	Metrics      *metrics.Gateway
	Tracer       trace.Tracer
}

// publishJob is a call waiting to be written to the transport.
type publishJob struct {
	id      string
	subject string
	body    []byte
	timeout time.Duration
	span    trace.Span
}

// LiveBridge publishes calls on a transport and correlates replies through a
// pending table keyed by request id. Call never touches the network: publishes
// are handed to a fixed set of publisher goroutines, each bounded by the call
// timeout.
type LiveBridge struct {
	tr       transport.Transport
	subjects Subjects
	instance string
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Gateway
	tracer   trace.Tracer
	breaker  *gobreaker.CircuitBreaker
	pending  *pendingTable

	queue  chan publishJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   []transport.Subscription
	closed bool
}

// NewLive wraps a connected transport and subscribes to this instance's replies.
func NewLive(tr transport.Transport, opts LiveOptions) (*LiveBridge, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Tracer()
	}
	if opts.Publishers <= 0 {
		opts.Publishers = defaultPublishers
	}
	if opts.PublishQueue <= 0 {
		opts.PublishQueue = defaultPublishQueue
	}
	log := opts.Logger.With(zap.String("component", "bus"), zap.String("transport", tr.Name()))
	ctx, cancel := context.WithCancel(context.Background())
	b := &LiveBridge{
		tr:       tr,
		subjects: opts.Subjects,
		instance: opts.InstanceID,
		timeout:  opts.CallTimeout,
		log:      log,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		pending:  newPendingTable(),
		queue:    make(chan publishJob, opts.PublishQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus-publish",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	pattern := b.subjects.ReplyPattern(b.instance)
	sub, err := tr.Subscribe(pattern, b.handleReply)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to replies: %w", err)
	}
	b.subs = append(b.subs, sub)

	for i := 0; i < opts.Publishers; i++ {
		b.wg.Add(1)
		go b.publishLoop()
	}
	log.Info("Live bus bridge ready",
		zap.String("reply_pattern", pattern),
		zap.Int("publishers", opts.Publishers),
		zap.Int("publish_queue", opts.PublishQueue))
	return b, nil
}

func (b *LiveBridge) Mode() Mode { return ModeLive }

// Call registers req as pending and queues it for publishing. It does not block:
// a full queue or a closed bridge completes the call at once with
// ServiceUnavailable, and a failed publish completes it from the publisher.
func (b *LiveBridge) Call(ctx context.Context, req Request, done Completion) string {
	id := uuid.NewString()
	subject := b.subjects.For(req.Op)
	timeout := b.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	_, span := b.tracer.Start(ctx, "bus.call "+string(req.Op),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("bus.subject", subject),
			attribute.String("bus.request_id", id),
			attribute.String("gateway.connection_id", req.ConnectionID),
		))

	p := &pendingRequest{
		id:      id,
		connID:  req.ConnectionID,
		subject: subject,
		started: time.Now(),
		span:    span,
		done:    done,
	}
	body, err := json.Marshal(outbound{
		RequestID:    id,
		ReplyTo:      b.subjects.ReplySubject(b.instance, req.ConnectionID),
		ConnectionID: req.ConnectionID,
		Origin:       b.instance,
		Data:         req.Body,
	})
	if err != nil {
		b.finish(p, nil, gwerrors.Internal("encode bus request", err), metrics.OutcomeError)
		return id
	}

	b.pending.add(p, timeout, b.expire)
	b.metrics.SetPending(b.pending.len())

	if err := b.enqueue(publishJob{id: id, subject: subject, body: body, timeout: timeout, span: span}); err != nil {
		if p, ok := b.pending.take(id, nil); ok {
			b.log.Warn("Bus call not queued",
				zap.String("subject", subject),
				zap.String("request_id", id),
				zap.Error(err))
			b.finish(p, nil, err, metrics.OutcomeError)
		}
	}
	return id
}

func (b *LiveBridge) enqueue(job publishJob) error {
	select {
	case <-b.ctx.Done():
		return gwerrors.ErrBusUnavailable
	default:
	}
	select {
	case b.queue <- job:
		return nil
	default:
		return errPublishQueueFull
	}
}

func (b *LiveBridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case job := <-b.queue:
			b.publish(job)
		}
	}
}

// publish writes one call to the transport through the breaker. A call that was
// already answered, timed out or orphaned is skipped.
func (b *LiveBridge) publish(job publishJob) {
	if !b.pending.has(job.id) {
		return
	}
	ctx, cancel := context.WithTimeout(trace.ContextWithSpan(b.ctx, job.span), job.timeout)
	defer cancel()

	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.tr.Publish(ctx, job.subject, job.body)
	})
	if err == nil || b.ctx.Err() != nil {
		// Close completes whatever is still pending.
		return
	}
	if p, ok := b.pending.take(job.id, nil); ok {
		_ = gwerrors.LogWithError(gwerrors.WithRequestID(ctx, job.id), b.log, "bus publish failed", err,
			zap.String("subject", job.subject))
		b.finish(p, nil, gwerrors.Unavailable(err), metrics.OutcomeError)
	}
}

func (b *LiveBridge) handleReply(msg transport.Message) {
	connID, ok := b.subjects.ConnectionFromReply(b.instance, msg.Subject)
	if !ok {
		b.drop(dropBadSubject, "", msg.Subject)
		return
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil || reply.RequestID == "" {
		b.drop(dropMalformed, "", msg.Subject)
		return
	}
	p, found := b.pending.take(reply.RequestID, func(p *pendingRequest) bool {
		return p.connID == connID
	})
	switch {
	case !found:
		b.drop(dropUnknownRequest, reply.RequestID, msg.Subject)
		return
	case p == nil:
		b.drop(dropConnectionMatch, reply.RequestID, msg.Subject)
		return
	}
	if err := reply.Err(); err != nil {
		b.finish(p, reply.Data, err, metrics.OutcomeError)
		return
	}
	b.finish(p, reply.Data, nil, metrics.OutcomeOK)
}

func (b *LiveBridge) expire(id string) {
	p, ok := b.pending.take(id, nil)
	if !ok || p == nil {
		return
	}
	b.log.Warn("Bus call timed out",
		zap.String("subject", p.subject),
		zap.String("request_id", id),
		zap.String("connection_id", p.connID))
	b.finish(p, nil, gwerrors.ErrTimeout, metrics.OutcomeTimeout)
}

func (b *LiveBridge) drop(reason, requestID, subject string) {
	b.metrics.ReplyDropped(reason)
	b.log.Warn("Dropping bus reply",
		zap.String("reason", reason),
		zap.String("request_id", requestID),
		zap.String("subject", subject))
}

func (b *LiveBridge) finish(p *pendingRequest, data json.RawMessage, err error, outcome string) {
	b.metrics.ObserveCall(p.subject, outcome, time.Since(p.started))
	b.metrics.SetPending(b.pending.len())
	if p.span != nil {
		if err != nil {
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, err.Error())
		}
		p.span.End()
	}
	if p.done != nil {
		p.done(Result{RequestID: p.id, Data: data, Err: err})
	}
}

// Orphan drops the outstanding calls of a disconnected connection. Their replies
// and timeouts are discarded.
func (b *LiveBridge) Orphan(connID string) int {
	orphans := b.pending.takeConn(connID)
	for _, p := range orphans {
		if p.span != nil {
			p.span.SetStatus(codes.Error, "orphaned")
			p.span.End()
		}
	}
	if len(orphans) > 0 {
		b.metrics.SetPending(b.pending.len())
		b.log.Debug("Orphaned pending calls", zap.String("connection_id", connID), zap.Int("count", len(orphans)))
	}
	return len(orphans)
}

// Subscribe registers a standing broadcast handler.
func (b *LiveBridge) Subscribe(pattern string, h BroadcastHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gwerrors.ErrBusUnavailable
	}
	sub, err := b.tr.Subscribe(pattern, func(msg transport.Message) {
		h(ParseBroadcast(msg.Subject, msg.Data))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *LiveBridge) Healthy() error {
	if err := b.tr.Healthy(); err != nil {
		return gwerrors.Unavailable(err)
	}
	if b.breaker.State() == gobreaker.StateOpen {
		return gwerrors.Unavailable(gobreaker.ErrOpenState)
	}
	return nil
}

// Close completes every outstanding call with ServiceUnavailable, drops the
// subscriptions and closes the transport.
func (b *LiveBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	// Cancel before draining so a concurrent Call either lands in takeAll or
	// fails to enqueue.
	b.cancel()
	for _, p := range b.pending.takeAll() {
		b.finish(p, nil, gwerrors.ErrBusUnavailable, metrics.OutcomeError)
	}
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			b.log.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	err := b.tr.Close()
	b.wg.Wait()
	return err
}
