package protocol

import (
	"strings"

	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
	"github.com/nmxmxh/htpi-gateway/pkg/json"
)

// Envelope is a frame received from a client.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a frame sent to a client.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ParseEnvelope decodes a client frame. A frame that is not a JSON object with a
// non-empty type is a validation error.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, gwerrors.Validation("malformed message")
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, gwerrors.Validation("message type is required")
	}
	return env, nil
}

// Encode renders an outbound event frame.
func Encode(event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(Event{Type: event, Payload: payload})
}

// ErrorPayload is the body of the error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
}

// NewError builds the client-visible error payload for err raised while handling event.
func NewError(event string, err error) ErrorPayload {
	return ErrorPayload{
		Message: gwerrors.PublicMessage(err),
		Code:    string(gwerrors.KindOf(err)),
		Event:   event,
	}
}
