// Package bus connects the gateway to the backend services. A Bridge either
// publishes requests on a message bus and correlates the asynchronous replies, or
// answers them in-process from a fixed table.
package bus

import (
	"context"
	"time"

	"github.com/nmxmxh/htpi-gateway/pkg/json"
)

// Mode names the strategy behind a Bridge.
type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

// Request is one call to a backend capability on behalf of a connection.
type Request struct {
	Op           Operation
	ConnectionID string
	Body         any
	// Timeout overrides the bridge default when positive.
	Timeout time.Duration
}

// Result is the outcome of a call. Err is a classified *errors.Error when set.
type Result struct {
	RequestID string
	Data      json.RawMessage
	Err       error
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if json.IsEmpty(r.Data) {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Completion receives the result of a call exactly once, unless the call was
// orphaned. It may run on any goroutine, including the caller's, and must not block.
type Completion func(Result)

// BroadcastHandler receives unsolicited messages from a subscription.
type BroadcastHandler func(Broadcast)

// Bridge is the gateway's view of the backend.
type Bridge interface {
	// Call issues req and returns its request id without waiting for the reply.
	Call(ctx context.Context, req Request, done Completion) string
	// Subscribe registers h for broadcasts whose subject matches pattern.
	Subscribe(pattern string, h BroadcastHandler) error
	// Orphan drops every outstanding call of a connection without completing them
	// and returns how many were dropped.
	Orphan(connID string) int
	Mode() Mode
	Healthy() error
	Close() error
}
