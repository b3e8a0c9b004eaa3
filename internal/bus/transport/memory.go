package transport

import (
	"context"
	"sync"
)

// Memory is an in-process bus. Publish delivers synchronously to every matching
// subscription on the caller's goroutine. It backs local development and tests.
type Memory struct {
	mu        sync.RWMutex
	connected bool
	nextID    int
	subs      map[int]memorySub
	published []Message
}

type memorySub struct {
	pattern string
	h       Handler
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]memorySub)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Connect(context.Context) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	cp := append([]byte(nil), data...)
	m.published = append(m.published, Message{Subject: subject, Data: cp})
	var targets []Handler
	for _, s := range m.subs {
		if Matches(s.pattern, subject) {
			targets = append(targets, s.h)
		}
	}
	m.mu.Unlock()

	for _, h := range targets {
		h(Message{Subject: subject, Data: cp})
	}
	return nil
}

type memorySubscription struct {
	m  *Memory
	id int
}

func (s memorySubscription) Unsubscribe() error {
	s.m.mu.Lock()
	delete(s.m.subs, s.id)
	s.m.mu.Unlock()
	return nil
}

func (m *Memory) Subscribe(pattern string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	m.nextID++
	m.subs[m.nextID] = memorySub{pattern: pattern, h: h}
	return memorySubscription{m: m, id: m.nextID}, nil
}

func (m *Memory) Healthy() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.connected = false
	m.subs = make(map[int]memorySub)
	m.mu.Unlock()
	return nil
}

// Published returns a copy of every message published so far.
func (m *Memory) Published() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.published...)
}
