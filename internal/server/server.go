// Package server exposes the gateway over HTTP: the /ws upgrade endpoint, a
// health endpoint and, optionally, the Prometheus scrape endpoint.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/internal/bus"
	imetrics "github.com/nmxmxh/htpi-gateway/internal/metrics"
	"github.com/nmxmxh/htpi-gateway/internal/registry"
	"github.com/nmxmxh/htpi-gateway/pkg/json"
	"github.com/nmxmxh/htpi-gateway/pkg/logger"
	"github.com/nmxmxh/htpi-gateway/pkg/metrics"
)

const (
	defaultSendBuffer = 256
	defaultReadLimit  = 64 << 10
)

// Dispatcher receives the lifecycle and frames of every client connection.
type Dispatcher interface {
	Connect(connID string, sender registry.Sender) error
	Handle(connID string, frame []byte)
	Disconnect(connID string)
}

// Health reports whether the backend side of the gateway is usable.
type Health interface {
	Healthy() error
	Mode() bus.Mode
}

type Options struct {
	Addr       string
	Dispatcher Dispatcher
	Health     Health
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	// AllowedOrigins restricts the Origin header on upgrade. Empty or "*" allows all.
	AllowedOrigins []string
	SendBuffer     int
	ReadLimit      int64
	Logger         *zap.Logger
	Metrics        *metrics.Gateway
}

type Server struct {
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
	http     *http.Server

	mu      sync.Mutex
	clients map[string]*wsClient
	wg      sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	s := &Server{
		opts:    opts,
		log:     logger.Component(opts.Logger, "server"),
		clients: make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(opts.AllowedOrigins),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		mux.Handle("/metrics", imetrics.Handler(s.opts.Gatherer))
	}
	return mux
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("Listening for WebSocket connections", zap.String("address", s.opts.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every client and waits for their
// pumps to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Clients returns the number of open WebSocket connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("WebSocket upgrade failed",
			zap.Error(err),
			zap.String("origin", r.Header.Get("Origin")),
			zap.String("remote", r.RemoteAddr))
		return
	}

	id := uuid.NewString()
	c := newClient(id, conn, s.opts.SendBuffer, s.log, s.opts.Metrics)
	s.mu.Lock()
	s.clients[id] = c
	s.wg.Add(2)
	s.mu.Unlock()

	if err := s.opts.Dispatcher.Connect(id, c); err != nil {
		s.log.Warn("Rejecting connection", zap.String("connection_id", id), zap.Error(err))
		s.release(id)
		s.wg.Add(-2)
		c.close()
		conn.Close()
		return
	}
	s.log.Info("Client connected", zap.String("connection_id", id), zap.String("remote", r.RemoteAddr))

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go c.readPump(s.opts.Dispatcher, s.opts.ReadLimit, func() {
		s.release(id)
		s.wg.Done()
	})
}

func (s *Server) release(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

type healthResponse struct {
	Status      string `json:"status"`
	Mode        string `json:"mode,omitempty"`
	Connections int    `json:"connections"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Connections: s.Clients()}
	code := http.StatusOK
	if h := s.opts.Health; h != nil {
		resp.Mode = string(h.Mode())
		if err := h.Healthy(); err != nil {
			resp.Status = "unavailable"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug("Failed to write health response", zap.Error(err))
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
