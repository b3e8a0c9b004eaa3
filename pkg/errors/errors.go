// Package errors defines the gateway error taxonomy. Every failure surfaced to a
// client is classified by Kind; the client only ever sees Kind.ClientMessage or
// the error's own message for non-internal kinds.
package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindNotAuthenticated   Kind = "not_authenticated"
	KindAccessDenied       Kind = "access_denied"
	KindServiceUnavailable Kind = "service_unavailable"
	KindValidation         Kind = "validation_error"
	KindInternal           Kind = "internal_error"
)

// ClientMessage is the stable string sent to clients for the kind.
func (k Kind) ClientMessage() string {
	switch k {
	case KindNotAuthenticated:
		return "Not authenticated"
	case KindAccessDenied:
		return "Access denied"
	case KindValidation:
		return "Invalid request"
	default:
		return "Service temporarily unavailable"
	}
}

var (
	// ErrNotAuthenticated is returned for actions attempted before login.
	ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated, Message: "Not authenticated"}
	// ErrNoTenantSelected is returned for tenant-scoped actions before a tenant is selected.
	ErrNoTenantSelected = &Error{Kind: KindNotAuthenticated, Message: "No tenant selected"}
	// ErrTimeout is returned when a bus call misses its deadline.
	ErrTimeout = &Error{Kind: KindServiceUnavailable, Message: "Request timed out"}
	// ErrBusUnavailable is returned when the bus cannot accept a publish.
	ErrBusUnavailable = &Error{Kind: KindServiceUnavailable, Message: "Service temporarily unavailable"}
)

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind and Message so sentinels compare equal to wrapped copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a ValidationError with the given message.
func Validation(msg string) *Error {
	return New(KindValidation, msg)
}

// Denied creates an AccessDenied error.
func Denied(msg string) *Error {
	if msg == "" {
		msg = KindAccessDenied.ClientMessage()
	}
	return New(KindAccessDenied, msg)
}

// Unavailable wraps cause as a ServiceUnavailable error.
func Unavailable(cause error) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: KindServiceUnavailable.ClientMessage(), Cause: cause}
}

// Internal wraps cause as an InternalError.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Cause: cause}
}

// KindOf reports the Kind of err; unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage is the text a client may see for err. Internal and unclassified
// errors collapse to the generic service-unavailable message.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return KindServiceUnavailable.ClientMessage()
	}
	if e.Message == "" {
		return e.Kind.ClientMessage()
	}
	return e.Message
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Is re-exports errors.Is so callers need one import.
var Is = errors.Is

// LogWithError logs the error with context and returns a wrapped error.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value(requestIDKey{}).(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

type requestIDKey struct{}

// WithRequestID stores a bus request id in ctx for LogWithError.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}
