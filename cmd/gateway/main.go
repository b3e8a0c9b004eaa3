// Command gateway runs the HTPI WebSocket gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/htpi-gateway/internal/bus"
	"github.com/nmxmxh/htpi-gateway/internal/bus/transport"
	"github.com/nmxmxh/htpi-gateway/internal/config"
	"github.com/nmxmxh/htpi-gateway/internal/dispatch"
	imetrics "github.com/nmxmxh/htpi-gateway/internal/metrics"
	"github.com/nmxmxh/htpi-gateway/internal/registry"
	"github.com/nmxmxh/htpi-gateway/internal/rooms"
	"github.com/nmxmxh/htpi-gateway/internal/server"
	"github.com/nmxmxh/htpi-gateway/pkg/logger"
	"github.com/nmxmxh/htpi-gateway/pkg/metrics"
	"github.com/nmxmxh/htpi-gateway/pkg/tracing"
)

const (
	serviceVersion  = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
		InstanceID:  cfg.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.OTLPEndpoint,
		Disabled:       cfg.OTELDisabled,
	})
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("Failed to shutdown tracing", zap.Error(err))
		}
	}()

	m := metrics.New()

	var reg *registry.Registry
	router := rooms.NewRouter(rooms.DirectoryFunc(func(id string) (rooms.Sender, bool) {
		s, ok := reg.Sender(id)
		if !ok {
			return nil, false
		}
		return s, true
	}), log, m)
	reg = registry.New(log, router, m)

	subjects := bus.NewSubjects(cfg.BusNamespace, subjectOverrides(cfg))
	bridge, err := bus.NewBridge(ctx, bridgeOptions(cfg, subjects, log, m))
	if err != nil {
		return fmt.Errorf("failed to start bus bridge: %w", err)
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			log.Warn("Failed to close bus bridge", zap.Error(err))
		}
	}()

	d := dispatch.New(dispatch.Options{
		Registry:        reg,
		Rooms:           router,
		Bridge:          bridge,
		Subjects:        subjects,
		InstanceID:      cfg.InstanceID,
		Logger:          log,
		Metrics:         m,
		MaxQueuedFrames: cfg.WSMaxQueued,
	})
	if err := d.SubscribeBroadcasts(); err != nil {
		return fmt.Errorf("failed to subscribe to broadcasts: %w", err)
	}

	// /metrics moves to its own listener when METRICS_PORT differs.
	separateMetrics := cfg.MetricsPort != "" && cfg.MetricsPort != cfg.HTTPPort
	opts := server.Options{
		Addr:           ":" + cfg.HTTPPort,
		Dispatcher:     d,
		Health:         bridge,
		AllowedOrigins: cfg.AllowedOrigins(),
		SendBuffer:     cfg.WSSendBuffer,
		ReadLimit:      cfg.WSReadLimit,
		Logger:         log,
		Metrics:        m,
	}
	if !separateMetrics {
		opts.Gatherer = m.Registry
	}
	srv := server.New(opts)

	var metricsSrv *http.Server
	if separateMetrics {
		metricsSrv = imetrics.NewServer(":"+cfg.MetricsPort, m.Registry)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	if metricsSrv != nil {
		g.Go(func() error {
			log.Info("Serving metrics", zap.String("address", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Error during server shutdown", zap.Error(err))
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Error("Error during metrics server shutdown", zap.Error(err))
			}
		}
		if err := d.Shutdown(shutdownCtx); err != nil {
			log.Error("Error during dispatcher shutdown", zap.Error(err))
		}
		return nil
	})

	log.Info("Gateway started",
		zap.String("mode", string(bridge.Mode())),
		zap.String("driver", cfg.BusDriver),
		zap.String("port", cfg.HTTPPort))

	err = g.Wait()
	if err != nil {
		log.Error("Server failed", zap.Error(err))
	}
	log.Info("Gateway stopped")
	return err
}

func bridgeOptions(cfg *config.Config, subjects bus.Subjects, log *zap.Logger, m *metrics.Gateway) bus.Options {
	return bus.Options{
		Mode:   bus.Mode(cfg.Mode),
		Driver: cfg.BusDriver,
		Transport: transport.Config{
			URL:            cfg.BusURL,
			ClientID:       clientID(cfg),
			RedisPassword:  cfg.RedisPassword,
			RedisPoolSize:  cfg.RedisPoolSize,
			AMQPExchange:   cfg.AMQPExchange,
			MQTTQoS:        byte(cfg.MQTTQoS),
			ConnectTimeout: cfg.BusConnectTimeout,
		},
		Subjects:       subjects,
		InstanceID:     cfg.InstanceID,
		CallTimeout:    cfg.BusCallTimeout,
		ConnectTimeout: cfg.BusConnectTimeout,
		Publishers:     cfg.BusPublishers,
		PublishQueue:   cfg.BusPublishQueue,
		FallbackToMock: cfg.BusFallbackToMock,
		JWTSecret:      cfg.JWTSecret,
		TokenTTL:       cfg.JWTTTL,
		Logger:         log,
		Metrics:        m,
	}
}

func clientID(cfg *config.Config) string {
	if cfg.MQTTClientID != "" {
		return cfg.MQTTClientID
	}
	return cfg.AppName + "-" + cfg.InstanceID
}

// subjectOverrides maps SUBJECT_* settings onto operations. Empty values keep the
// namespaced default.
func subjectOverrides(cfg *config.Config) map[bus.Operation]string {
	return map[bus.Operation]string{
		bus.OpLogin:             cfg.SubjectAuthLogin,
		bus.OpTenantList:        cfg.SubjectTenantList,
		bus.OpTenantVerify:      cfg.SubjectTenantVerify,
		bus.OpPatientList:       cfg.SubjectPatientList,
		bus.OpPatientCreate:     cfg.SubjectPatientCreate,
		bus.OpDashboardStats:    cfg.SubjectDashboardStats,
		bus.OpDashboardActivity: cfg.SubjectDashboardActivity,
	}
}
