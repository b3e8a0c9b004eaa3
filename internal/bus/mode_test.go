package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/internal/bus/transport"
	"github.com/nmxmxh/htpi-gateway/internal/bus/transport/mocks"
)

func factoryFor(tr transport.Transport) TransportFactory {
	return func(string, transport.Config, *zap.Logger) (transport.Transport, error) { return tr, nil }
}

func baseOptions() Options {
	return Options{
		Mode:           ModeLive,
		Driver:         "nats",
		Subjects:       NewSubjects("htpi", nil),
		InstanceID:     "gw1",
		CallTimeout:    time.Second,
		ConnectTimeout: 50 * time.Millisecond,
		JWTSecret:      "secret",
	}
}

func TestNewBridgeMockMode(t *testing.T) {
	opts := baseOptions()
	opts.Mode = ModeMock
	opts.NewTransport = func(string, transport.Config, *zap.Logger) (transport.Transport, error) {
		t.Fatal("mock mode must not build a transport")
		return nil, nil
	}
	b, err := NewBridge(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, ModeMock, b.Mode())
}

func TestNewBridgeLiveMode(t *testing.T) {
	opts := baseOptions()
	opts.NewTransport = factoryFor(transport.NewMemory())
	b, err := NewBridge(context.Background(), opts)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, ModeLive, b.Mode())
	assert.NoError(t, b.Healthy())
}

func TestNewBridgeRetriesConnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	sub := mocks.NewMockSubscription(ctrl)
	tr.EXPECT().Name().Return("mock").AnyTimes()
	gomock.InOrder(
		tr.EXPECT().Connect(gomock.Any()).Return(errors.New("connection refused")),
		tr.EXPECT().Connect(gomock.Any()).Return(nil),
	)
	tr.EXPECT().Subscribe("htpi.gateway.gw1.reply.*", gomock.Any()).Return(sub, nil)

	opts := baseOptions()
	opts.ConnectTimeout = 5 * time.Second
	opts.NewTransport = factoryFor(tr)
	b, err := NewBridge(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, b.Mode())
}

func TestNewBridgeFallsBackToMock(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	tr.EXPECT().Name().Return("mock").AnyTimes()
	tr.EXPECT().Connect(gomock.Any()).Return(errors.New("connection refused")).MinTimes(1)
	tr.EXPECT().Close().Return(nil)

	opts := baseOptions()
	opts.FallbackToMock = true
	opts.NewTransport = factoryFor(tr)
	b, err := NewBridge(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, ModeMock, b.Mode())
}

func TestNewBridgeFailsWithoutFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	tr.EXPECT().Name().Return("mock").AnyTimes()
	tr.EXPECT().Connect(gomock.Any()).Return(errors.New("connection refused")).MinTimes(1)
	tr.EXPECT().Close().Return(nil)

	opts := baseOptions()
	opts.NewTransport = factoryFor(tr)
	_, err := NewBridge(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewBridgeUnknownMode(t *testing.T) {
	opts := baseOptions()
	opts.Mode = "hybrid"
	_, err := NewBridge(context.Background(), opts)
	assert.Error(t, err)
}
