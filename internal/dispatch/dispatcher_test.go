package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/htpi-gateway/internal/bus"
	"github.com/nmxmxh/htpi-gateway/internal/protocol"
	"github.com/nmxmxh/htpi-gateway/internal/registry"
	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
)

func TestConnectGreets(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := &fakeClient{}
	require.NoError(t, h.d.Connect("c1", c))

	var hello protocol.Connected
	c.takeInto(t, protocol.EventConnected, &hello)
	assert.Equal(t, "c1", hello.ConnectionID)
	assert.Equal(t, "mock", hello.Mode)
	assert.NotEmpty(t, hello.Message)

	conn, ok := h.reg.Get("c1")
	require.True(t, ok)
	assert.Equal(t, registry.StateUnauthenticated, conn.State())
	assert.Empty(t, h.router.RoomsOf("c1"))

	assert.ErrorIs(t, h.d.Connect("c1", c), registry.ErrDuplicateConnection)
}

func TestMockModeScenario(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.connect(t, "c1")

	h.send(t, "c1", protocol.EventLogin, protocol.LoginRequest{Email: "demo@htpi.com", Password: "nope", RequestID: "r-1"})
	var failed protocol.LoginResponse
	c.takeInto(t, protocol.EventLoginResponse, &failed)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "Invalid credentials")
	assert.Equal(t, "r-1", failed.RequestID)

	h.send(t, "c1", protocol.EventLogin, protocol.LoginRequest{Email: "demo@htpi.com", Password: "demo123", RequestID: "r-2"})
	var login protocol.LoginResponse
	c.takeInto(t, protocol.EventLoginResponse, &login)
	require.True(t, login.Success)
	assert.Equal(t, "user-001", login.User.ID)
	assert.NotEmpty(t, login.Token)
	assert.Equal(t, "r-2", login.RequestID)
	assert.Equal(t, []string{"user:user-001"}, h.router.RoomsOf("c1"))

	h.send(t, "c1", protocol.EventTenantsList, nil)
	var tenants protocol.TenantsListResponse
	c.takeInto(t, protocol.EventTenantsListResponse, &tenants)
	require.Len(t, tenants.Tenants, 2)
	assert.Empty(t, tenants.Error)

	h.send(t, "c1", protocol.EventTenantSelect, protocol.TenantRequest{TenantID: "tenant-001"})
	var sel protocol.TenantSelectResponse
	c.takeInto(t, protocol.EventTenantSelectResponse, &sel)
	assert.True(t, sel.Success)
	assert.Equal(t, "tenant-001", sel.TenantID)

	h.send(t, "c1", protocol.EventPatientsSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
	var list protocol.PatientsListPayload
	c.takeInto(t, protocol.EventPatientsList, &list)
	assert.Equal(t, "tenant-001", list.TenantID)
	assert.Len(t, list.Patients, 3)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count(protocol.EventPatientsList))
	assert.ElementsMatch(t, []string{"user:user-001", "tenant:tenant-001", "patients:tenant-001"}, h.router.RoomsOf("c1"))

	conn, _ := h.reg.Get("c1")
	assert.Equal(t, registry.StateTenantSelected, conn.State())
}

func TestDashboardSubscribe(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.loginAndSelect(t, "c1", "tenant-001")

	h.send(t, "c1", protocol.EventDashboardSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
	var stats protocol.DashboardStatsPayload
	c.takeInto(t, protocol.EventDashboardStats, &stats)
	require.NotNil(t, stats.Stats)
	assert.Equal(t, 3, stats.Stats.TotalPatients)

	var acts protocol.DashboardActivityPayload
	c.takeInto(t, protocol.EventDashboardActivity, &acts)
	assert.Len(t, acts.Activities, 3)
	assert.Contains(t, h.router.MembersOf("dashboard:tenant-001"), "c1")
}

func TestGuardsBeforeAuthentication(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.connect(t, "c1")

	for _, event := range []string{protocol.EventTenantsList, protocol.EventTenantSelect, protocol.EventDashboardSubscribe} {
		h.send(t, "c1", event, protocol.TenantRequest{TenantID: "tenant-001"})
		var e protocol.ErrorPayload
		c.takeInto(t, protocol.EventError, &e)
		assert.Equal(t, "Not authenticated", e.Message, event)
		assert.Equal(t, string(gwerrors.KindNotAuthenticated), e.Code, event)
		assert.Equal(t, event, e.Event)
	}

	// Invalid payloads still report the authentication failure first.
	h.send(t, "c1", protocol.EventPatientsAdd, map[string]string{"firstName": "Ada"})
	var e protocol.ErrorPayload
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, string(gwerrors.KindNotAuthenticated), e.Code)
	assert.Equal(t, 0, c.count(protocol.EventPatientsAddResponse))

	conn, _ := h.reg.Get("c1")
	assert.Equal(t, registry.StateUnauthenticated, conn.State())
}

func TestAddPatientRequiresSelectedTenant(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.connect(t, "c1")
	h.send(t, "c1", protocol.EventLogin, protocol.LoginRequest{Email: bus.DemoEmail, Password: bus.DemoPassword})
	c.take(t, protocol.EventLoginResponse)

	add := protocol.PatientAddRequest{FirstName: "Ada", LastName: "King", DateOfBirth: "1815-12-10", TenantID: "tenant-001"}
	h.send(t, "c1", protocol.EventPatientsAdd, add)
	var e protocol.ErrorPayload
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, "No tenant selected", e.Message)

	h.send(t, "c1", protocol.EventTenantSelect, protocol.TenantRequest{TenantID: "tenant-002"})
	c.take(t, protocol.EventTenantSelectResponse)

	h.send(t, "c1", protocol.EventPatientsAdd, add)
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, string(gwerrors.KindAccessDenied), e.Code)

	h.send(t, "c1", protocol.EventPatientsSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, string(gwerrors.KindAccessDenied), e.Code)
	assert.NotContains(t, h.router.RoomsOf("c1"), "patients:tenant-001")
	assert.Equal(t, 0, c.count(protocol.EventPatientsAddResponse))
}

func TestAddPatientValidation(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.loginAndSelect(t, "c1", "tenant-001")

	h.send(t, "c1", protocol.EventPatientsAdd, protocol.PatientAddRequest{FirstName: "Ada", DateOfBirth: "1815-12-10", TenantID: "tenant-001"})
	var resp protocol.PatientAddResponse
	c.takeInto(t, protocol.EventPatientsAddResponse, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "lastName is required", resp.Error)
}

func TestPatientsNewFanOut(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	a := h.loginAndSelect(t, "a", "tenant-001")
	b := h.loginAndSelect(t, "b", "tenant-001")
	other := h.loginAndSelect(t, "other", "tenant-002")
	for id, c := range map[string]*fakeClient{"a": a, "b": b} {
		h.send(t, id, protocol.EventPatientsSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
		c.take(t, protocol.EventPatientsList)
	}
	h.send(t, "other", protocol.EventPatientsSubscribe, protocol.TenantRequest{TenantID: "tenant-002"})
	other.take(t, protocol.EventPatientsList)

	h.send(t, "a", protocol.EventPatientsAdd, protocol.PatientAddRequest{
		FirstName: "Ada", LastName: "King", DateOfBirth: "1815-12-10", Email: "ada@example.com", TenantID: "tenant-001",
	})

	var resp protocol.PatientAddResponse
	a.takeInto(t, protocol.EventPatientsAddResponse, &resp)
	require.True(t, resp.Success)
	require.NotNil(t, resp.Patient)
	assert.Equal(t, "user-001", resp.Patient.CreatedBy)
	assert.Equal(t, "Demo User", resp.Patient.CreatedByName)

	var fromA, fromB protocol.Patient
	a.takeInto(t, protocol.EventPatientsNew, &fromA)
	b.takeInto(t, protocol.EventPatientsNew, &fromB)
	assert.Equal(t, resp.Patient.ID, fromA.ID)
	assert.Equal(t, resp.Patient.ID, fromB.ID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, other.count(protocol.EventPatientsNew))
	assert.Equal(t, 0, b.count(protocol.EventPatientsAddResponse))
}

func TestSelectTenantDenied(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.loginAndSelect(t, "c1", "tenant-001")

	h.send(t, "c1", protocol.EventTenantSelect, protocol.TenantRequest{TenantID: "tenant-999"})
	var sel protocol.TenantSelectResponse
	c.takeInto(t, protocol.EventTenantSelectResponse, &sel)
	assert.False(t, sel.Success)
	assert.Equal(t, "Access denied to tenant", sel.Error)

	conn, _ := h.reg.Get("c1")
	assert.Equal(t, "tenant-001", conn.ActiveTenant)
	assert.Contains(t, h.router.RoomsOf("c1"), "tenant:tenant-001")
}

func TestSelectTenantSwitchLeavesPreviousRooms(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.loginAndSelect(t, "c1", "tenant-001")
	h.send(t, "c1", protocol.EventDashboardSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
	c.take(t, protocol.EventDashboardStats)
	h.send(t, "c1", protocol.EventPatientsSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
	c.take(t, protocol.EventPatientsList)

	h.send(t, "c1", protocol.EventTenantSelect, protocol.TenantRequest{TenantID: "tenant-002"})
	c.take(t, protocol.EventTenantSelectResponse)

	assert.ElementsMatch(t, []string{"user:user-001", "tenant:tenant-002"}, h.router.RoomsOf("c1"))
	assert.Empty(t, h.router.MembersOf("patients:tenant-001"))
}

func TestLogout(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.loginAndSelect(t, "c1", "tenant-001")

	h.send(t, "c1", protocol.EventLogout, nil)
	var out protocol.LogoutResponse
	c.takeInto(t, protocol.EventLogoutResponse, &out)
	assert.True(t, out.Success)
	assert.Empty(t, h.router.RoomsOf("c1"))

	conn, _ := h.reg.Get("c1")
	assert.Equal(t, registry.StateUnauthenticated, conn.State())
	assert.Empty(t, conn.Token)

	h.send(t, "c1", protocol.EventTenantsList, nil)
	var e protocol.ErrorPayload
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, "Not authenticated", e.Message)
}

func TestInvalidFrames(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	c := h.connect(t, "c1")

	h.d.Handle("c1", []byte("not json"))
	var e protocol.ErrorPayload
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, string(gwerrors.KindValidation), e.Code)

	h.send(t, "c1", "claims:submit", nil)
	c.takeInto(t, protocol.EventError, &e)
	assert.Equal(t, "Unknown event: claims:submit", e.Message)

	h.send(t, "c1", protocol.EventLogin, map[string]string{"email": "demo@htpi.com"})
	var login protocol.LoginResponse
	c.takeInto(t, protocol.EventLoginResponse, &login)
	assert.False(t, login.Success)
	assert.Equal(t, "password is required", login.Error)

	h.d.Handle("ghost", []byte(`{"type":"auth:logout"}`))
}

func TestLoginWhileInFlightIsRejected(t *testing.T) {
	mb := &manualBridge{}
	h := newHarness(t, mb)
	c := h.connect(t, "c1")

	creds := protocol.LoginRequest{Email: bus.DemoEmail, Password: bus.DemoPassword}
	h.send(t, "c1", protocol.EventLogin, creds)
	call := mb.next(t, bus.OpLogin)
	h.send(t, "c1", protocol.EventLogin, creds)

	var second protocol.LoginResponse
	c.takeInto(t, protocol.EventLoginResponse, &second)
	assert.False(t, second.Success)
	assert.Equal(t, "Login already in progress", second.Error)

	call.done(ok(protocol.LoginResult{User: protocol.User{ID: "u-9", Name: "Nine"}, Token: "t"}))
	var first protocol.LoginResponse
	c.takeInto(t, protocol.EventLoginResponse, &first)
	assert.True(t, first.Success)

	h.send(t, "c1", protocol.EventLogin, creds)
	var third protocol.LoginResponse
	c.takeInto(t, protocol.EventLoginResponse, &third)
	assert.Equal(t, "Already authenticated", third.Error)
}

func TestTimeoutSurfacesAsServiceUnavailable(t *testing.T) {
	mb := &manualBridge{}
	h := newHarness(t, mb)
	c := h.connect(t, "c1")
	h.send(t, "c1", protocol.EventLogin, protocol.LoginRequest{Email: bus.DemoEmail, Password: bus.DemoPassword})
	mb.next(t, bus.OpLogin).done(ok(protocol.LoginResult{User: protocol.User{ID: "u1"}, Token: "t"}))
	c.take(t, protocol.EventLoginResponse)

	h.send(t, "c1", protocol.EventTenantsList, nil)
	mb.next(t, bus.OpTenantList).done(bus.Result{Err: gwerrors.ErrTimeout})

	var resp protocol.TenantsListResponse
	c.takeInto(t, protocol.EventTenantsListResponse, &resp)
	assert.Empty(t, resp.Tenants)
	assert.Equal(t, "Request timed out", resp.Error)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	mb := &manualBridge{}
	h := newHarness(t, mb)
	c := h.connect(t, "c1")
	h.send(t, "c1", protocol.EventLogin, protocol.LoginRequest{Email: bus.DemoEmail, Password: bus.DemoPassword})
	mb.next(t, bus.OpLogin).done(bus.Result{Data: []byte(`{"user":"not an object"}`)})

	var resp protocol.LoginResponse
	c.takeInto(t, protocol.EventLoginResponse, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "Service temporarily unavailable", resp.Error)
}

func TestTenantGrantAfterLogoutIsDiscarded(t *testing.T) {
	mb := &manualBridge{}
	h := newHarness(t, mb)
	c := h.connect(t, "c1")
	h.send(t, "c1", protocol.EventLogin, protocol.LoginRequest{Email: bus.DemoEmail, Password: bus.DemoPassword})
	mb.next(t, bus.OpLogin).done(ok(protocol.LoginResult{User: protocol.User{ID: "u1"}, Token: "t"}))
	c.take(t, protocol.EventLoginResponse)

	h.send(t, "c1", protocol.EventTenantSelect, protocol.TenantRequest{TenantID: "tenant-001"})
	verify := mb.next(t, bus.OpTenantVerify)
	h.send(t, "c1", protocol.EventLogout, nil)
	c.take(t, protocol.EventLogoutResponse)

	verify.done(ok(protocol.VerifyAccessResult{TenantID: "tenant-001", Granted: true}))
	time.Sleep(30 * time.Millisecond)

	conn, _ := h.reg.Get("c1")
	assert.Empty(t, conn.ActiveTenant)
	assert.Empty(t, h.router.RoomsOf("c1"))
	assert.Equal(t, 0, c.count(protocol.EventTenantSelectResponse))
}

func TestDisconnectCleanup(t *testing.T) {
	mb := &manualBridge{}
	h := newHarness(t, mb)
	c := h.connect(t, "c1")
	h.send(t, "c1", protocol.EventLogin, protocol.LoginRequest{Email: bus.DemoEmail, Password: bus.DemoPassword})
	mb.next(t, bus.OpLogin).done(ok(protocol.LoginResult{User: protocol.User{ID: "u1"}, Token: "t"}))
	c.take(t, protocol.EventLoginResponse)

	h.send(t, "c1", protocol.EventTenantsList, nil)
	mb.pending(t, "c1", 1)
	h.send(t, "c1", protocol.EventTenantSelect, protocol.TenantRequest{TenantID: "tenant-001"})
	mb.pending(t, "c1", 2)
	mb.mu.Lock()
	late := mb.calls[0]
	mb.mu.Unlock()

	h.d.Disconnect("c1")
	h.d.Disconnect("c1")

	_, found := h.reg.Get("c1")
	assert.False(t, found)
	assert.Empty(t, h.router.RoomsOf("c1"))
	assert.Empty(t, h.router.MembersOf("user:u1"))
	assert.Equal(t, 2, mb.orphaned)
	assert.Equal(t, 0, h.d.Sessions())

	before := len(c.frames)
	assert.NotPanics(t, func() { late.done(ok(protocol.TenantListResult{})) })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, len(c.frames))
}

func TestBusBroadcastRouting(t *testing.T) {
	mock := newMockBridge(t)
	h := newHarness(t, mock)
	require.NoError(t, h.d.SubscribeBroadcasts())
	subjects := bus.NewSubjects("htpi", nil)

	c := h.loginAndSelect(t, "c1", "tenant-001")
	h.send(t, "c1", protocol.EventDashboardSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
	c.take(t, protocol.EventDashboardStats)
	h.send(t, "c1", protocol.EventPatientsSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
	c.take(t, protocol.EventPatientsList)

	_, err := mock.Emit(subjects.Broadcast(bus.KindStatsUpdated, "tenant-001"), map[string]any{"totalPatients": 4})
	require.NoError(t, err)
	var stats map[string]any
	c.takeInto(t, protocol.EventDashboardStatUpdate, &stats)
	assert.Equal(t, 4.0, stats["totalPatients"])

	_, err = mock.Emit(subjects.Broadcast(bus.KindActivityCreated, "tenant-xyz"), map[string]any{
		"tenant_id": "tenant-001", "data": map[string]string{"id": "activity-9"},
	})
	require.NoError(t, err)
	var act map[string]string
	c.takeInto(t, protocol.EventDashboardActivityNew, &act)
	assert.Equal(t, "activity-9", act["id"])

	_, _ = mock.Emit(subjects.Broadcast(bus.KindPatientCreated, "tenant-001"), map[string]any{"origin": "gw1", "data": map[string]string{"id": "p-own"}})
	_, _ = mock.Emit(subjects.Broadcast(bus.KindPatientCreated, "tenant-001"), map[string]any{"origin": "gw2", "data": map[string]string{"id": "p-remote"}})
	var p protocol.Patient
	c.takeInto(t, protocol.EventPatientsNew, &p)
	assert.Equal(t, "p-remote", p.ID)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count(protocol.EventPatientsNew))

	_, _ = mock.Emit(subjects.Broadcast(bus.KindStatsUpdated, "tenant-002"), map[string]any{"totalPatients": 1})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count(protocol.EventDashboardStatUpdate))
}

func TestMockPatientAddUpdatesDashboard(t *testing.T) {
	h := newHarness(t, newMockBridge(t))
	require.NoError(t, h.d.SubscribeBroadcasts())
	viewer := h.loginAndSelect(t, "viewer", "tenant-001")
	h.send(t, "viewer", protocol.EventDashboardSubscribe, protocol.TenantRequest{TenantID: "tenant-001"})
	viewer.take(t, protocol.EventDashboardStats)

	writer := h.loginAndSelect(t, "writer", "tenant-001")
	h.send(t, "writer", protocol.EventPatientsAdd, protocol.PatientAddRequest{
		FirstName: "Ada", LastName: "King", DateOfBirth: "1815-12-10", TenantID: "tenant-001",
	})
	var resp protocol.PatientAddResponse
	writer.takeInto(t, protocol.EventPatientsAddResponse, &resp)
	require.True(t, resp.Success)

	var activity protocol.Activity
	viewer.takeInto(t, protocol.EventDashboardActivityNew, &activity)
	assert.Equal(t, "New patient registered: Ada King", activity.Message)
	var stats protocol.DashboardStats
	viewer.takeInto(t, protocol.EventDashboardStatUpdate, &stats)
	assert.Equal(t, 4, stats.TotalPatients)
	assert.Equal(t, 0, writer.count(protocol.EventDashboardActivityNew))
}
