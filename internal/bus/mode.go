package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/internal/bus/transport"
	"github.com/nmxmxh/htpi-gateway/pkg/metrics"
)

// TransportFactory builds an unconnected transport for a driver name.
type TransportFactory func(driver string, cfg transport.Config, log *zap.Logger) (transport.Transport, error)

// Options selects and configures the bridge strategy.
type Options struct {
	Mode           Mode
	Driver         string
	Transport      transport.Config
	Subjects       Subjects
	InstanceID     string
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
	Publishers     int
	PublishQueue   int
	// FallbackToMock selects the mock strategy when the bus cannot be reached.
	FallbackToMock bool

	JWTSecret string
	TokenTTL  time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Gateway
	// NewTransport defaults to transport.New.
	NewTransport TransportFactory
}

// NewBridge picks the strategy once at startup. In live mode the transport is
// connected with exponential backoff bounded by ConnectTimeout.
func NewBridge(ctx context.Context, opts Options) (Bridge, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mock := func() (Bridge, error) {
		return NewMock(MockOptions{
			JWTSecret: opts.JWTSecret,
			TokenTTL:  opts.TokenTTL,
			Subjects:  opts.Subjects,
			Logger:    log,
		})
	}

	switch opts.Mode {
	case ModeMock:
		log.Info("Gateway running in mock mode")
		return mock()
	case ModeLive:
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", opts.Mode)
	}

	factory := opts.NewTransport
	if factory == nil {
		factory = transport.New
	}
	tr, err := factory(opts.Driver, opts.Transport, log)
	if err != nil {
		return nil, err
	}

	if err := connect(ctx, tr, opts.ConnectTimeout, log); err != nil {
		_ = tr.Close()
		if opts.FallbackToMock {
			log.Warn("Bus unreachable, falling back to mock mode",
				zap.String("driver", opts.Driver),
				zap.Error(err))
			return mock()
		}
		return nil, fmt.Errorf("connect to %s bus: %w", opts.Driver, err)
	}

	b, err := NewLive(tr, LiveOptions{
		Subjects:     opts.Subjects,
		InstanceID:   opts.InstanceID,
		CallTimeout:  opts.CallTimeout,
		Publishers:   opts.Publishers,
		PublishQueue: opts.PublishQueue,
		Logger:       log,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return b, nil
}

func connect(ctx context.Context, tr transport.Transport, limit time.Duration, log *zap.Logger) error {
	if limit <= 0 {
		limit = 30 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = limit

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if err := tr.Connect(ctx); err != nil {
			log.Warn("Bus connect attempt failed",
				zap.String("transport", tr.Name()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
