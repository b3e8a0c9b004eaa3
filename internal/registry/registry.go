// Package registry holds the per-connection state of every client attached to the
// gateway.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/pkg/metrics"
)

var (
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("connection already registered")
)

// Sender delivers encoded frames to one client.
type Sender interface {
	Send(frame []byte) error
}

// Releaser drops a connection from every room it joined.
type Releaser interface {
	LeaveAll(connID string) []string
}

// State is the authorization state of a connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateTenantSelected
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateTenantSelected:
		return "tenant_selected"
	default:
		return "unauthenticated"
	}
}

type User struct {
	ID    string
	Email string
	Name  string
	Role  string
}

// Connection is the transient state of one client socket.
type Connection struct {
	ID            string
	Authenticated bool
	User          *User
	ActiveTenant  string
	Token         string
	CreatedAt     time.Time

	sender Sender
}

// State derives the state machine position from the stored fields.
func (c *Connection) State() State {
	switch {
	case !c.Authenticated || c.User == nil:
		return StateUnauthenticated
	case c.ActiveTenant == "":
		return StateAuthenticated
	default:
		return StateTenantSelected
	}
}

// Login records a successful authentication.
func (c *Connection) Login(u User, token string) {
	c.Authenticated = true
	c.User = &u
	c.Token = token
	c.ActiveTenant = ""
}

// Logout resets the connection to the unauthenticated state.
func (c *Connection) Logout() {
	c.Authenticated = false
	c.User = nil
	c.Token = ""
	c.ActiveTenant = ""
}

func (c *Connection) snapshot() Connection {
	cp := *c
	if c.User != nil {
		u := *c.User
		cp.User = &u
	}
	cp.sender = nil
	return cp
}

// Registry is a concurrent-safe map of connection id to Connection.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	rooms   Releaser
	log     *zap.Logger
	metrics *metrics.Gateway
}

// New returns an empty registry. rooms may be nil when room bookkeeping is not needed.
func New(log *zap.Logger, rooms Releaser, m *metrics.Gateway) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		conns:   make(map[string]*Connection),
		rooms:   rooms,
		log:     log.With(zap.String("component", "registry")),
		metrics: m,
	}
}

// Register adds a fresh unauthenticated connection.
func (r *Registry) Register(id string, sender Sender) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return Connection{}, ErrDuplicateConnection
	}
	c := &Connection{ID: id, CreatedAt: time.Now().UTC(), sender: sender}
	r.conns[id] = c
	r.metrics.ConnectionOpened()
	r.log.Debug("connection registered", zap.String("connection_id", id), zap.Int("connections", len(r.conns)))
	return c.snapshot(), nil
}

// Get returns a copy of the connection state.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return c.snapshot(), true
}

// Mutate applies fn to the connection under the registry lock. An error from fn
// is returned unchanged; fn must not call back into the registry.
func (r *Registry) Mutate(id string, fn func(c *Connection) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	return fn(c)
}

// Remove deletes the connection and releases its room memberships. It reports
// whether the connection was present; removing twice is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	remaining := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return false
	}
	var left []string
	if r.rooms != nil {
		left = r.rooms.LeaveAll(id)
	}
	r.metrics.ConnectionClosed()
	r.log.Debug("connection removed",
		zap.String("connection_id", id),
		zap.Strings("rooms", left),
		zap.Int("connections", remaining))
	return true
}

// Sender returns the delivery handle of a registered connection.
func (r *Registry) Sender(id string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok || c.sender == nil {
		return nil, false
	}
	return c.sender, true
}

// Send delivers a frame to a single connection.
func (r *Registry) Send(id string, frame []byte) error {
	s, ok := r.Sender(id)
	if !ok {
		return ErrConnectionNotFound
	}
	return s.Send(frame)
}

