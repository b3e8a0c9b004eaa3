package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testTimeout = 2 * time.Second

func TestInitDisabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "explicitly disabled", cfg: Config{ServiceName: "gw", Endpoint: "localhost:4317", Disabled: true}},
		{name: "no endpoint", cfg: Config{ServiceName: "gw"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, shutdown, err := Init(context.Background(), tt.cfg)
			require.NoError(t, err)
			assert.Nil(t, tp)
			require.NotNil(t, shutdown)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestTracerUsesGlobalProvider(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		otel.SetTracerProvider(prev)
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, tp.Shutdown(ctx))
	}()

	_, span := Tracer().Start(context.Background(), "bus.call")
	span.SetAttributes(attribute.String("bus.subject", "htpi.auth.login"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "bus.call", spans[0].Name())
	assert.Equal(t, TracerName, spans[0].InstrumentationScope().Name)
}
