package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS is the default bus driver.
type NATS struct {
	cfg Config
	log *zap.Logger

	mu sync.RWMutex
	nc *nats.Conn
}

func NewNATS(cfg Config, log *zap.Logger) *NATS {
	return &NATS{cfg: cfg, log: log}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Connect(ctx context.Context) error {
	name := n.cfg.ClientID
	if name == "" {
		name = "htpi-gateway"
	}
	nc, err := nats.Connect(n.cfg.URL,
		nats.Name(name),
		nats.Timeout(connectTimeout(ctx, n.cfg.ConnectTimeout)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			n.log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("NATS connect error: %w", err)
	}
	n.mu.Lock()
	n.nc = nc
	n.mu.Unlock()
	n.log.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nil
}

func (n *NATS) conn() (*nats.Conn, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.nc == nil {
		return nil, ErrNotConnected
	}
	return n.nc, nil
}

func (n *NATS) Publish(_ context.Context, subject string, data []byte) error {
	nc, err := n.conn()
	if err != nil {
		return err
	}
	return nc.Publish(subject, data)
}

func (n *NATS) Subscribe(pattern string, h Handler) (Subscription, error) {
	nc, err := n.conn()
	if err != nil {
		return nil, err
	}
	sub, err := nc.Subscribe(pattern, func(m *nats.Msg) {
		h(Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("NATS subscribe %s: %w", pattern, err)
	}
	return sub, nil
}

func (n *NATS) Healthy() error {
	nc, err := n.conn()
	if err != nil {
		return err
	}
	if status := nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("NATS connection %s", status)
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	nc := n.nc
	n.nc = nil
	n.mu.Unlock()
	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("NATS drain: %w", err)
	}
	return nil
}
