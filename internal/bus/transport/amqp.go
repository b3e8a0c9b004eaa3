package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQP carries the bus over a RabbitMQ topic exchange. Subjects are routing keys;
// every subscription gets an exclusive auto-delete queue bound with the
// translated pattern.
type AMQP struct {
	cfg Config
	log *zap.Logger

	mu    sync.Mutex // guards conn and pubCh
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

func NewAMQP(cfg Config, log *zap.Logger) *AMQP {
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "htpi.bus"
	}
	return &AMQP{cfg: cfg, log: log}
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) Connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(a.cfg.URL, amqp.Config{
		Dial:       amqp.DefaultDial(connectTimeout(ctx, a.cfg.ConnectTimeout)),
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": a.clientName()},
	})
	if err != nil {
		return fmt.Errorf("AMQP connect error: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("AMQP channel error: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.AMQPExchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("AMQP exchange declare error: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			a.log.Warn("AMQP connection lost", zap.Error(err))
		}
	}()

	a.mu.Lock()
	a.conn = conn
	a.pubCh = ch
	a.mu.Unlock()
	a.log.Info("Connected to AMQP", zap.String("exchange", a.cfg.AMQPExchange))
	return nil
}

func (a *AMQP) clientName() string {
	if a.cfg.ClientID != "" {
		return a.cfg.ClientID
	}
	return "htpi-gateway"
}

// Publish is safe for concurrent use; the channel serializes frames itself.
func (a *AMQP) Publish(ctx context.Context, subject string, data []byte) error {
	a.mu.Lock()
	ch := a.pubCh
	a.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.PublishWithContext(ctx,
		a.cfg.AMQPExchange,
		subject,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        data,
		},
	)
}

type amqpSubscription struct {
	ch   *amqp.Channel
	tag  string
	once sync.Once
}

func (s *amqpSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if cerr := s.ch.Cancel(s.tag, false); cerr != nil {
			err = cerr
		}
		if cerr := s.ch.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (a *AMQP) Subscribe(pattern string, h Handler) (Subscription, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("AMQP channel error: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("AMQP queue declare error: %w", err)
	}
	if err := ch.QueueBind(q.Name, AMQPBindingKey(pattern), a.cfg.AMQPExchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("AMQP queue bind error: %w", err)
	}
	tag := a.clientName() + "-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("AMQP consume error: %w", err)
	}
	go func() {
		for d := range deliveries {
			h(Message{Subject: d.RoutingKey, Data: d.Body})
		}
	}()
	return &amqpSubscription{ch: ch, tag: tag}, nil
}

func (a *AMQP) Healthy() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		return ErrNotConnected
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.pubCh = nil
	a.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("AMQP close: %w", err)
	}
	return nil
}
