package bus

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type pendingRequest struct {
	id      string
	connID  string
	subject string
	started time.Time
	timer   *time.Timer
	span    trace.Span
	done    Completion
}

// pendingTable owns every outstanding live call. A request leaves the table
// exactly once: by reply, by timeout, by orphaning or on close.
type pendingTable struct {
	mu     sync.Mutex
	byID   map[string]*pendingRequest
	byConn map[string]map[string]struct{}
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byID:   make(map[string]*pendingRequest),
		byConn: make(map[string]map[string]struct{}),
	}
}

// add stores p and arms its deadline. The timer is armed under the lock so an
// expiry can never observe the table before p is in it.
func (t *pendingTable) add(p *pendingRequest, timeout time.Duration, expire func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[p.id] = p
	ids, ok := t.byConn[p.connID]
	if !ok {
		ids = make(map[string]struct{})
		t.byConn[p.connID] = ids
	}
	ids[p.id] = struct{}{}
	id := p.id
	p.timer = time.AfterFunc(timeout, func() { expire(id) })
}

// take removes and returns the request when accept approves it. found reports
// whether id was pending at all.
func (t *pendingTable) take(id string, accept func(*pendingRequest) bool) (p *pendingRequest, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, found = t.byID[id]
	if !found {
		return nil, false
	}
	if accept != nil && !accept(p) {
		return nil, true
	}
	t.deleteLocked(p)
	return p, true
}

// takeConn removes every request of connID.
func (t *pendingTable) takeConn(connID string) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byConn[connID]
	out := make([]*pendingRequest, 0, len(ids))
	for id := range ids {
		if p, ok := t.byID[id]; ok {
			out = append(out, p)
		}
	}
	for _, p := range out {
		t.deleteLocked(p)
	}
	delete(t.byConn, connID)
	return out
}

// takeAll empties the table.
func (t *pendingTable) takeAll() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingRequest, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	for _, p := range out {
		t.deleteLocked(p)
	}
	return out
}

func (t *pendingTable) deleteLocked(p *pendingRequest) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(t.byID, p.id)
	if ids, ok := t.byConn[p.connID]; ok {
		delete(ids, p.id)
		if len(ids) == 0 {
			delete(t.byConn, p.connID)
		}
	}
}

func (t *pendingTable) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byID[id]
	return ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
