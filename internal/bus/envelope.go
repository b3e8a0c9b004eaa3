package bus

import (
	"strings"

	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
	"github.com/nmxmxh/htpi-gateway/pkg/json"
)

// outbound is the message published for every call.
type outbound struct {
	RequestID    string `json:"request_id"`
	ReplyTo      string `json:"reply_to"`
	ConnectionID string `json:"connection_id"`
	Origin       string `json:"origin"`
	Data         any    `json:"data"`
}

// Reply is what a backend service publishes on the reply subject.
type Reply struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
}

// Err converts a failed reply into a classified error. Services may name a kind
// in code; a rejection without one is treated as a validation failure.
func (r Reply) Err() error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "Request failed"
	}
	kind := gwerrors.Kind(r.Code)
	switch kind {
	case gwerrors.KindNotAuthenticated, gwerrors.KindAccessDenied,
		gwerrors.KindServiceUnavailable, gwerrors.KindValidation:
		return gwerrors.New(kind, msg)
	case gwerrors.KindInternal:
		return gwerrors.Internal(msg, nil)
	default:
		return gwerrors.Validation(msg)
	}
}

// Broadcast is an unsolicited message from the bus.
type Broadcast struct {
	Subject  string
	TenantID string
	Origin   string
	// Data is the body's data field, or the whole body when it has none.
	Data json.RawMessage
}

// ParseBroadcast reads the routing fields of a broadcast body. The tenant comes
// from tenant_id or tenantId, falling back to the last subject token.
func ParseBroadcast(subject string, body []byte) Broadcast {
	b := Broadcast{
		Subject:  subject,
		TenantID: json.StringField(body, "tenant_id", "tenantId"),
		Origin:   json.StringField(body, "origin"),
		Data:     body,
	}
	if b.TenantID == "" {
		if i := strings.LastIndexByte(subject, '.'); i >= 0 {
			b.TenantID = subject[i+1:]
		}
	}
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && !json.IsEmpty(wrapped.Data) {
		b.Data = wrapped.Data
	}
	return b
}
