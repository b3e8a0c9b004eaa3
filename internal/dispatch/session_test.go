package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/htpi-gateway/internal/protocol"
	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
)

func TestSessionCapsQueuedFrames(t *testing.T) {
	s := newSession(context.Background(), "c1", 2)
	ran := make(chan string, 8)

	require.NoError(t, s.postFrame(func() { ran <- "frame-1" }))
	require.NoError(t, s.postFrame(func() { ran <- "frame-2" }))
	assert.ErrorIs(t, s.postFrame(func() { ran <- "frame-3" }), errMailboxFull)
	assert.True(t, s.post(func() { ran <- "completion" }), "completions are never refused")
	assert.Equal(t, 2, s.queuedFrames())

	go s.run()
	for _, want := range []string{"frame-1", "frame-2", "completion"} {
		select {
		case got := <-ran:
			assert.Equal(t, want, got)
		case <-time.After(waitFor):
			t.Fatalf("%s did not run", want)
		}
	}
	assert.Equal(t, 0, s.queuedFrames())
	require.NoError(t, s.postFrame(func() {}))

	s.stop()
	<-s.done
	assert.ErrorIs(t, s.postFrame(func() {}), errSessionStopped)
	assert.False(t, s.post(func() {}))
}

func TestHandleRejectsFramesPastMailboxLimit(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	h.d.maxQueued = 1
	c := h.connect(t, "c1")

	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)

	started := make(chan struct{})
	s := h.d.session("c1")
	require.NotNil(t, s)
	require.True(t, s.post(func() {
		close(started)
		<-release
	}))
	<-started

	h.send(t, "c1", protocol.EventTenantsList, struct{}{})
	h.send(t, "c1", protocol.EventDashboardSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})

	var e protocol.ErrorPayload
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, protocol.EventDashboardSubscribe, e.Event)
	assert.Equal(t, "Too many pending requests", e.Message)
	assert.Equal(t, string(gwerrors.KindServiceUnavailable), e.Code)

	unblock()

	// The queued frame is still handled once the session catches up.
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, protocol.EventTenantsList, e.Event)
	assert.Equal(t, string(gwerrors.KindNotAuthenticated), e.Code)
	assert.Equal(t, 0, s.queuedFrames())
}
