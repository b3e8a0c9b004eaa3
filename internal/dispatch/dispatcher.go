// Package dispatch runs the per-connection state machine: it turns client events
// into bridge calls and bridge results into client events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/internal/bus"
	"github.com/nmxmxh/htpi-gateway/internal/protocol"
	"github.com/nmxmxh/htpi-gateway/internal/registry"
	"github.com/nmxmxh/htpi-gateway/internal/rooms"
	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
	"github.com/nmxmxh/htpi-gateway/pkg/logger"
	"github.com/nmxmxh/htpi-gateway/pkg/metrics"
)

const (
	defaultActivityLimit = 20
	defaultMaxQueued     = 64
)

var errTooManyRequests = gwerrors.New(gwerrors.KindServiceUnavailable, "Too many pending requests")

// Options wires a Dispatcher to its collaborators.
type Options struct {
	Registry   *registry.Registry
	Rooms      *rooms.Router
	Bridge     bus.Bridge
	Subjects   bus.Subjects
	InstanceID string
	Logger     *zap.Logger
	Metrics    *metrics.Gateway
	// ActivityLimit bounds the dashboard activity snapshot.
	ActivityLimit int
	// MaxQueuedFrames bounds the client frames waiting in one session's mailbox.
	// Frames beyond it are rejected with an error event.
	MaxQueuedFrames int
}

type Dispatcher struct {
	registry   *registry.Registry
	rooms      *rooms.Router
	bridge     bus.Bridge
	subjects   bus.Subjects
	instanceID string
	log        *zap.Logger
	metrics    *metrics.Gateway
	actLimit   int
	maxQueued  int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ActivityLimit <= 0 {
		opts.ActivityLimit = defaultActivityLimit
	}
	if opts.MaxQueuedFrames <= 0 {
		opts.MaxQueuedFrames = defaultMaxQueued
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:   opts.Registry,
		rooms:      opts.Rooms,
		bridge:     opts.Bridge,
		subjects:   opts.Subjects,
		instanceID: opts.InstanceID,
		log:        logger.Component(opts.Logger, "dispatch"),
		metrics:    opts.Metrics,
		actLimit:   opts.ActivityLimit,
		maxQueued:  opts.MaxQueuedFrames,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
	}
}

// Connect registers a new connection, starts its session and greets the client.
func (d *Dispatcher) Connect(connID string, sender registry.Sender) error {
	if _, err := d.registry.Register(connID, sender); err != nil {
		return err
	}
	s := newSession(logger.WithConnection(d.ctx, connID), connID, d.maxQueued)

	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		d.registry.Remove(connID)
		return fmt.Errorf("dispatcher stopped")
	}
	d.sessions[connID] = s
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		s.run()
	}()
	s.post(func() {
		d.emit(s, protocol.EventConnected, protocol.Connected{
			Message:      "Connected to HTPI gateway",
			ConnectionID: connID,
			Mode:         string(d.bridge.Mode()),
		})
	})
	return nil
}

// Handle queues a raw client frame for the connection's session.
func (d *Dispatcher) Handle(connID string, frame []byte) {
	s := d.session(connID)
	if s == nil {
		d.log.Debug("Frame for unknown connection", zap.String("connection_id", connID))
		return
	}
	err := s.postFrame(func() { d.handleFrame(s, frame) })
	if errors.Is(err, errMailboxFull) {
		d.rejectFrame(s, frame)
	}
}

// rejectFrame answers a frame the session has no room for. It runs on the
// caller's goroutine, ahead of the backlog.
func (d *Dispatcher) rejectFrame(s *session, frame []byte) {
	event := ""
	if env, err := protocol.ParseEnvelope(frame); err == nil {
		event = env.Type
	}
	d.log.Warn("Session mailbox full, rejecting frame",
		zap.String("connection_id", s.id),
		zap.String("event", event),
		zap.Int("queued", s.queuedFrames()))
	d.emit(s, protocol.EventError, protocol.NewError(event, errTooManyRequests))
	d.metrics.ObserveEvent(event, metrics.OutcomeRejected)
}

// Disconnect tears the connection down: its session stops, it leaves every room
// and its outstanding bus calls are orphaned. Safe to call more than once.
func (d *Dispatcher) Disconnect(connID string) {
	d.mu.Lock()
	s, ok := d.sessions[connID]
	delete(d.sessions, connID)
	d.mu.Unlock()
	if ok {
		s.stop()
	}
	removed := d.registry.Remove(connID)
	orphaned := d.bridge.Orphan(connID)
	if ok || removed {
		d.log.Info("Client disconnected",
			zap.String("connection_id", connID),
			zap.Int("orphaned_requests", orphaned))
	}
}

// Shutdown disconnects every session and waits for their goroutines.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.cancel()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.Disconnect(id)
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the number of live sessions.
func (d *Dispatcher) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Dispatcher) session(connID string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[connID]
}

// call issues a bridge request whose completion runs on the session goroutine.
func (d *Dispatcher) call(s *session, op bus.Operation, body any, then func(bus.Result)) {
	d.bridge.Call(s.ctx, bus.Request{Op: op, ConnectionID: s.id, Body: body}, func(res bus.Result) {
		if !s.post(func() { then(res) }) {
			d.log.Debug("Completion for stopped session",
				zap.String("connection_id", s.id),
				zap.String("request_id", res.RequestID))
		}
	})
}

func (d *Dispatcher) emit(s *session, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		_ = gwerrors.LogWithError(s.ctx, d.log, "failed to encode event", err, zap.String("event", event))
		return
	}
	if err := d.registry.Send(s.id, frame); err != nil {
		d.log.Debug("Event not delivered",
			zap.String("connection_id", s.id),
			zap.String("event", event),
			zap.Error(err))
	}
}

// fail reports err for event. Internal errors are logged in full and surfaced
// with the generic message.
func (d *Dispatcher) fail(s *session, event string, err error) {
	if gwerrors.KindOf(err) == gwerrors.KindInternal {
		_ = gwerrors.LogWithError(s.ctx, logger.FromContext(s.ctx, d.log), "internal error handling event", err,
			zap.String("event", event))
	}
	d.emit(s, protocol.EventError, protocol.NewError(event, err))
}

func (d *Dispatcher) observe(event string, err error, started time.Time) {
	outcome := metrics.OutcomeOK
	switch gwerrors.KindOf(err) {
	case "":
	case gwerrors.KindServiceUnavailable, gwerrors.KindInternal:
		outcome = metrics.OutcomeError
		if gwerrors.Is(err, gwerrors.ErrTimeout) {
			outcome = metrics.OutcomeTimeout
		}
	default:
		outcome = metrics.OutcomeRejected
	}
	d.metrics.ObserveEvent(event, outcome)
	d.log.Debug("Event handled", zap.String("event", event), zap.String("outcome", outcome), zap.Duration("elapsed", time.Since(started)))
}
