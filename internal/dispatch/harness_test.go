package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/htpi-gateway/internal/bus"
	"github.com/nmxmxh/htpi-gateway/internal/protocol"
	"github.com/nmxmxh/htpi-gateway/internal/registry"
	"github.com/nmxmxh/htpi-gateway/internal/rooms"
	"github.com/nmxmxh/htpi-gateway/pkg/json"
)

const waitFor = 2 * time.Second

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// fakeClient records every frame sent to a connection.
type fakeClient struct {
	mu       sync.Mutex
	frames   []frame
	consumed []bool
}

func (c *fakeClient) Send(b []byte) error {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.consumed = append(c.consumed, false)
	c.mu.Unlock()
	return nil
}

// take returns the first unconsumed frame of type typ, waiting for it.
func (c *fakeClient) take(t *testing.T, typ string) json.RawMessage {
	t.Helper()
	var out json.RawMessage
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, f := range c.frames {
			if f.Type == typ && !c.consumed[i] {
				c.consumed[i] = true
				out = f.Payload
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "no %s frame", typ)
	return out
}

func (c *fakeClient) takeInto(t *testing.T, typ string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(c.take(t, typ), v))
}

func (c *fakeClient) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	d      *Dispatcher
	reg    *registry.Registry
	router *rooms.Router
}

func newHarness(t *testing.T, bridge bus.Bridge) *harness {
	t.Helper()
	var reg *registry.Registry
	router := rooms.NewRouter(rooms.DirectoryFunc(func(id string) (rooms.Sender, bool) {
		s, ok := reg.Sender(id)
		if !ok {
			return nil, false
		}
		return s, true
	}), nil, nil)
	reg = registry.New(nil, router, nil)
	d := New(Options{
		Registry:   reg,
		Rooms:      router,
		Bridge:     bridge,
		Subjects:   bus.NewSubjects("htpi", nil),
		InstanceID: "gw1",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, d.Shutdown(ctx))
	})
	return &harness{d: d, reg: reg, router: router}
}

func (h *harness) connect(t *testing.T, id string) *fakeClient {
	t.Helper()
	c := &fakeClient{}
	require.NoError(t, h.d.Connect(id, c))
	c.take(t, protocol.EventConnected)
	return c
}

func (h *harness) send(t *testing.T, id, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(frame{Type: typ, Payload: raw})
	require.NoError(t, err)
	h.d.Handle(id, b)
}

func newMockBridge(t *testing.T) *bus.MockBridge {
	t.Helper()
	m, err := bus.NewMock(bus.MockOptions{JWTSecret: "test-secret"})
	require.NoError(t, err)
	return m
}

// loginAndSelect drives a connection to TenantSelected against the mock bridge.
func (h *harness) loginAndSelect(t *testing.T, id, tenantID string) *fakeClient {
	t.Helper()
	c := h.connect(t, id)
	h.send(t, id, protocol.EventLogin, protocol.LoginRequest{Email: bus.DemoEmail, Password: bus.DemoPassword})
	var login protocol.LoginResponse
	c.takeInto(t, protocol.EventLoginResponse, &login)
	require.True(t, login.Success)

	h.send(t, id, protocol.EventTenantSelect, protocol.TenantRequest{TenantID: tenantID})
	var sel protocol.TenantSelectResponse
	c.takeInto(t, protocol.EventTenantSelectResponse, &sel)
	require.True(t, sel.Success)
	return c
}

type recordedCall struct {
	req  bus.Request
	done bus.Completion
}

// manualBridge holds every call until the test completes it.
type manualBridge struct {
	mu       sync.Mutex
	calls    []*recordedCall
	orphaned int
}

func (m *manualBridge) Call(_ context.Context, req bus.Request, done bus.Completion) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, &recordedCall{req: req, done: done})
	return uuid.NewString()
}

// next waits for and removes the oldest outstanding call for op.
func (m *manualBridge) next(t *testing.T, op bus.Operation) *recordedCall {
	t.Helper()
	var out *recordedCall
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range m.calls {
			if c.req.Op == op {
				out = c
				m.calls = append(m.calls[:i], m.calls[i+1:]...)
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "no %s call", op)
	return out
}

func (m *manualBridge) Subscribe(string, bus.BroadcastHandler) error { return nil }

func (m *manualBridge) Orphan(connID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.calls[:0]
	n := 0
	for _, c := range m.calls {
		if c.req.ConnectionID == connID {
			n++
			continue
		}
		kept = append(kept, c)
	}
	m.calls = kept
	m.orphaned += n
	return n
}

func (m *manualBridge) Mode() bus.Mode { return bus.ModeLive }
func (m *manualBridge) Healthy() error { return nil }
func (m *manualBridge) Close() error   { return nil }

func ok(v any) bus.Result {
	raw, _ := json.Marshal(v)
	return bus.Result{Data: raw}
}

// pending waits until connID has n outstanding calls.
func (m *manualBridge) pending(t *testing.T, connID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		got := 0
		for _, c := range m.calls {
			if c.req.ConnectionID == connID {
				got++
			}
		}
		return got == n
	}, waitFor, 5*time.Millisecond)
}
