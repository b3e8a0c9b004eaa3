package dispatch

import (
	"context"
	"errors"
	"sync"
)

var (
	errSessionStopped = errors.New("session stopped")
	errMailboxFull    = errors.New("session mailbox full")
)

// session serializes all work for one connection. Client frames and bridge
// completions are both posted into a mailbox drained by a single goroutine, so a
// completion delivered synchronously from inside a handler is simply queued
// behind it. Completions are never refused; queued client frames are capped at
// maxFrames.
type session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	maxFrames int

	mu     sync.Mutex
	queue  []func()
	frames int
	closed bool
	notify chan struct{}
	done   chan struct{}

	// Owned by the session goroutine.
	loginInFlight bool
}

func newSession(parent context.Context, id string, maxFrames int) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		maxFrames: maxFrames,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// post enqueues fn. It reports false once the session has stopped.
func (s *session) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.wake()
	return true
}

// postFrame enqueues the handling of a client frame. It fails with
// errMailboxFull while maxFrames frames are already waiting.
func (s *session) postFrame(fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionStopped
	}
	if s.maxFrames > 0 && s.frames >= s.maxFrames {
		s.mu.Unlock()
		return errMailboxFull
	}
	s.frames++
	s.queue = append(s.queue, func() {
		s.mu.Lock()
		s.frames--
		s.mu.Unlock()
		fn()
	})
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// queuedFrames returns the number of client frames waiting to be handled.
func (s *session) queuedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if s.ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}
}

// stop discards queued work and ends the goroutine.
func (s *session) stop() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.frames = 0
	s.mu.Unlock()
	s.cancel()
}
