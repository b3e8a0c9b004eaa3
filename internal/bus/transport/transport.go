// Package transport abstracts the message bus the gateway talks to. Subjects and
// subscription patterns always use dot-separated tokens with `*` matching one token
// and `>` matching the remaining tokens; each driver translates them into its own
// addressing scheme.
package transport

//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotConnected  = errors.New("transport not connected")
	ErrUnknownDriver = errors.New("unknown bus driver")
)

// Message is one delivery from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Handler consumes deliveries. Handlers run on driver goroutines and must not block.
type Handler func(msg Message)

// Subscription is an active pattern subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is a connection to the bus.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(pattern string, h Handler) (Subscription, error)
	Healthy() error
	Close() error
}

// Config carries the settings of every driver; each uses the fields it needs.
type Config struct {
	URL      string
	ClientID string

	RedisPassword string
	RedisPoolSize int

	AMQPExchange string

	MQTTQoS byte

	ConnectTimeout time.Duration
}

// New builds the driver named by driver without connecting it.
func New(driver string, cfg Config, log *zap.Logger) (Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "bus_transport"), zap.String("driver", driver))
	switch strings.ToLower(driver) {
	case "nats":
		return NewNATS(cfg, log), nil
	case "redis":
		return NewRedis(cfg, log), nil
	case "amqp":
		return NewAMQP(cfg, log), nil
	case "mqtt":
		return NewMQTT(cfg, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// Matches reports whether subject matches pattern.
func Matches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// RedisPattern converts a pattern to a Redis PSUBSCRIBE glob. The glob is wider
// than the pattern, so deliveries are filtered with Matches.
func RedisPattern(pattern string) string {
	return mapTokens(pattern, ".", func(tok string) string {
		if tok == ">" {
			return "*"
		}
		return escapeGlob(tok)
	})
}

// AMQPBindingKey converts a pattern to a topic exchange binding key.
func AMQPBindingKey(pattern string) string {
	return mapTokens(pattern, ".", func(tok string) string {
		if tok == ">" {
			return "#"
		}
		return tok
	})
}

// MQTTFilter converts a pattern to an MQTT topic filter.
func MQTTFilter(pattern string) string {
	return mapTokens(pattern, "/", func(tok string) string {
		switch tok {
		case "*":
			return "+"
		case ">":
			return "#"
		default:
			return tok
		}
	})
}

// MQTTTopic converts a concrete subject to an MQTT topic.
func MQTTTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// SubjectFromMQTT converts an MQTT topic back to a subject.
func SubjectFromMQTT(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

func mapTokens(pattern, sep string, fn func(string) string) string {
	toks := strings.Split(pattern, ".")
	for i, t := range toks {
		toks[i] = fn(t)
	}
	return strings.Join(toks, sep)
}

func escapeGlob(tok string) string {
	if tok == "*" {
		return tok
	}
	r := strings.NewReplacer(`\`, `\\`, "?", `\?`, "[", `\[`, "]", `\]`, "*", `\*`)
	return r.Replace(tok)
}

func connectTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	if fallback <= 0 {
		return 10 * time.Second
	}
	return fallback
}
