package dispatch

import (
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/internal/bus"
	"github.com/nmxmxh/htpi-gateway/internal/protocol"
	"github.com/nmxmxh/htpi-gateway/internal/registry"
	"github.com/nmxmxh/htpi-gateway/internal/rooms"
	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
	"github.com/nmxmxh/htpi-gateway/pkg/json"
)

// Room changes are made inside registry.Mutate. Registry.Remove deletes the
// connection before releasing its rooms, so a join performed under Mutate either
// precedes that release or fails with ErrConnectionNotFound.

func (d *Dispatcher) handleFrame(s *session, frame []byte) {
	started := time.Now()
	env, err := protocol.ParseEnvelope(frame)
	if err != nil {
		d.fail(s, "", err)
		d.observe("invalid", err, started)
		return
	}

	var herr error
	switch env.Type {
	case protocol.EventLogin:
		herr = d.login(s, env.Payload)
	case protocol.EventLogout:
		herr = d.logout(s)
	case protocol.EventTenantsList:
		herr = d.listTenants(s)
	case protocol.EventTenantSelect:
		herr = d.selectTenant(s, env.Payload)
	case protocol.EventDashboardSubscribe:
		herr = d.subscribeDashboard(s, env.Payload)
	case protocol.EventPatientsSubscribe:
		herr = d.subscribePatients(s, env.Payload)
	case protocol.EventPatientsAdd:
		herr = d.addPatient(s, env.Payload)
	default:
		herr = gwerrors.Validation("Unknown event: " + env.Type)
		d.fail(s, env.Type, herr)
		d.observe("unknown", herr, started)
		return
	}
	d.observe(env.Type, herr, started)
}

func (d *Dispatcher) login(s *session, payload json.RawMessage) error {
	var req protocol.LoginRequest
	respond := func(resp protocol.LoginResponse) {
		resp.RequestID = req.RequestID
		d.emit(s, protocol.EventLoginResponse, resp)
	}
	if err := protocol.Decode(payload, &req); err != nil {
		respond(protocol.LoginResponse{Error: gwerrors.PublicMessage(err)})
		return err
	}
	conn, ok := d.registry.Get(s.id)
	if !ok {
		return registry.ErrConnectionNotFound
	}
	if conn.Authenticated {
		err := gwerrors.Validation("Already authenticated")
		respond(protocol.LoginResponse{Error: err.Message})
		return err
	}
	if s.loginInFlight {
		err := gwerrors.Validation("Login already in progress")
		respond(protocol.LoginResponse{Error: err.Message})
		return err
	}

	s.loginInFlight = true
	d.call(s, bus.OpLogin, protocol.LoginCall{Email: req.Email, Password: req.Password}, func(res bus.Result) {
		s.loginInFlight = false
		if res.Err != nil {
			respond(protocol.LoginResponse{Error: d.publicError(s, protocol.EventLogin, res.Err)})
			return
		}
		var out protocol.LoginResult
		if err := res.Decode(&out); err != nil || out.User.ID == "" {
			respond(protocol.LoginResponse{Error: d.publicError(s, protocol.EventLogin, gwerrors.Internal("decode login result", err))})
			return
		}
		user := registry.User{ID: out.User.ID, Email: out.User.Email, Name: out.User.Name, Role: out.User.Role}
		err := d.registry.Mutate(s.id, func(c *registry.Connection) error {
			c.Login(user, out.Token)
			d.rooms.Join(rooms.UserRoom(user.ID), s.id)
			return nil
		})
		if err != nil {
			return
		}
		d.log.Info("User authenticated", zap.String("connection_id", s.id), zap.String("user_id", user.ID))
		respond(protocol.LoginResponse{Success: true, User: &out.User, Token: out.Token})
	})
	return nil
}

func (d *Dispatcher) logout(s *session) error {
	err := d.registry.Mutate(s.id, func(c *registry.Connection) error {
		d.rooms.LeaveAll(s.id)
		c.Logout()
		return nil
	})
	if err != nil {
		return err
	}
	d.emit(s, protocol.EventLogoutResponse, protocol.LogoutResponse{Success: true})
	return nil
}

func (d *Dispatcher) listTenants(s *session) error {
	conn, err := d.requireAuth(s, protocol.EventTenantsList)
	if err != nil {
		return err
	}
	userID := conn.User.ID
	d.call(s, bus.OpTenantList, protocol.UserCall{UserID: userID}, func(res bus.Result) {
		if !d.sameUser(s, userID) {
			return
		}
		resp := protocol.TenantsListResponse{Tenants: []protocol.Tenant{}}
		var out protocol.TenantListResult
		switch {
		case res.Err != nil:
			resp.Error = d.publicError(s, protocol.EventTenantsList, res.Err)
		case res.Decode(&out) != nil:
			resp.Error = d.publicError(s, protocol.EventTenantsList, gwerrors.Internal("decode tenant list", nil))
		case out.Tenants != nil:
			resp.Tenants = out.Tenants
		}
		d.emit(s, protocol.EventTenantsListResponse, resp)
	})
	return nil
}

func (d *Dispatcher) selectTenant(s *session, payload json.RawMessage) error {
	conn, err := d.requireAuth(s, protocol.EventTenantSelect)
	if err != nil {
		return err
	}
	var req protocol.TenantRequest
	if err := protocol.Decode(payload, &req); err != nil {
		d.emit(s, protocol.EventTenantSelectResponse, protocol.TenantSelectResponse{Error: gwerrors.PublicMessage(err)})
		return err
	}
	userID, tenantID := conn.User.ID, req.TenantID
	d.call(s, bus.OpTenantVerify, protocol.VerifyAccessCall{UserID: userID, TenantID: tenantID}, func(res bus.Result) {
		deny := func(err error) {
			d.emit(s, protocol.EventTenantSelectResponse, protocol.TenantSelectResponse{
				Error: d.publicError(s, protocol.EventTenantSelect, err),
			})
		}
		if res.Err != nil {
			deny(res.Err)
			return
		}
		// A success reply without data is a grant; an explicit granted=false is not.
		out := protocol.VerifyAccessResult{Granted: true}
		if err := res.Decode(&out); err != nil {
			deny(gwerrors.Internal("decode access result", err))
			return
		}
		if !out.Granted {
			deny(gwerrors.Denied("Access denied to tenant"))
			return
		}
		err := d.registry.Mutate(s.id, func(c *registry.Connection) error {
			if c.User == nil || c.User.ID != userID {
				return gwerrors.ErrNotAuthenticated
			}
			d.rooms.LeaveWhere(s.id, rooms.IsTenantScoped)
			d.rooms.Join(rooms.TenantRoom(tenantID), s.id)
			c.ActiveTenant = tenantID
			return nil
		})
		if err != nil {
			d.log.Debug("Discarding tenant grant", zap.String("connection_id", s.id), zap.Error(err))
			return
		}
		d.emit(s, protocol.EventTenantSelectResponse, protocol.TenantSelectResponse{Success: true, TenantID: tenantID})
	})
	return nil
}

func (d *Dispatcher) subscribeDashboard(s *session, payload json.RawMessage) error {
	tenantID, err := d.joinTenantRoom(s, protocol.EventDashboardSubscribe, payload, rooms.DashboardRoom)
	if err != nil {
		return err
	}
	body := protocol.TenantCall{TenantID: tenantID}
	d.call(s, bus.OpDashboardStats, body, func(res bus.Result) {
		if !d.tenantActive(s, tenantID) {
			return
		}
		resp := protocol.DashboardStatsPayload{TenantID: tenantID}
		var stats protocol.DashboardStats
		if res.Err == nil {
			res.Err = res.Decode(&stats)
		}
		if res.Err != nil {
			resp.Error = d.publicError(s, protocol.EventDashboardSubscribe, res.Err)
		} else {
			resp.Stats = &stats
		}
		d.emit(s, protocol.EventDashboardStats, resp)
	})
	body.Limit = d.actLimit
	d.call(s, bus.OpDashboardActivity, body, func(res bus.Result) {
		if !d.tenantActive(s, tenantID) {
			return
		}
		resp := protocol.DashboardActivityPayload{TenantID: tenantID, Activities: []protocol.Activity{}}
		var out protocol.ActivityListResult
		if res.Err == nil {
			res.Err = res.Decode(&out)
		}
		if res.Err != nil {
			resp.Error = d.publicError(s, protocol.EventDashboardSubscribe, res.Err)
		} else if out.Activities != nil {
			resp.Activities = out.Activities
		}
		d.emit(s, protocol.EventDashboardActivity, resp)
	})
	return nil
}

func (d *Dispatcher) subscribePatients(s *session, payload json.RawMessage) error {
	tenantID, err := d.joinTenantRoom(s, protocol.EventPatientsSubscribe, payload, rooms.PatientsRoom)
	if err != nil {
		return err
	}
	d.call(s, bus.OpPatientList, protocol.TenantCall{TenantID: tenantID}, func(res bus.Result) {
		if !d.tenantActive(s, tenantID) {
			return
		}
		resp := protocol.PatientsListPayload{TenantID: tenantID, Patients: []protocol.Patient{}}
		var out protocol.PatientListResult
		if res.Err == nil {
			res.Err = res.Decode(&out)
		}
		if res.Err != nil {
			resp.Error = d.publicError(s, protocol.EventPatientsSubscribe, res.Err)
		} else if out.Patients != nil {
			resp.Patients = out.Patients
		}
		d.emit(s, protocol.EventPatientsList, resp)
	})
	return nil
}

func (d *Dispatcher) addPatient(s *session, payload json.RawMessage) error {
	var req protocol.PatientAddRequest
	if !json.IsEmpty(payload) {
		// Shape errors are reported by Validate below, after the state guard.
		_ = json.Unmarshal(payload, &req)
	}
	conn, err := d.requireTenant(s, protocol.EventPatientsAdd, req.TenantID)
	if err != nil {
		return err
	}
	if err := protocol.Decode(payload, &req); err != nil {
		d.emit(s, protocol.EventPatientsAddResponse, protocol.PatientAddResponse{Error: gwerrors.PublicMessage(err)})
		return err
	}
	tenantID := req.TenantID
	record := protocol.Patient{
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		DateOfBirth:   req.DateOfBirth,
		Email:         req.Email,
		Phone:         req.Phone,
		TenantID:      tenantID,
		CreatedBy:     conn.User.ID,
		CreatedByName: conn.User.Name,
	}
	d.call(s, bus.OpPatientCreate, record, func(res bus.Result) {
		var out protocol.PatientCreateResult
		if res.Err == nil {
			res.Err = res.Decode(&out)
		}
		if res.Err == nil && out.Patient.ID == "" {
			res.Err = gwerrors.Internal("patient created without id", nil)
		}
		if res.Err != nil {
			d.emit(s, protocol.EventPatientsAddResponse, protocol.PatientAddResponse{
				Error: d.publicError(s, protocol.EventPatientsAdd, res.Err),
			})
			return
		}
		patient := out.Patient
		if patient.TenantID == "" {
			patient.TenantID = tenantID
		}
		d.emit(s, protocol.EventPatientsAddResponse, protocol.PatientAddResponse{Success: true, Patient: &patient})
		// The caller may also be in the room and receive the record twice; clients
		// de-duplicate by patient id.
		d.rooms.Broadcast(rooms.PatientsRoom(tenantID), protocol.EventPatientsNew, patient)
	})
	return nil
}

// joinTenantRoom validates a tenant-scoped subscription and joins the room built
// by roomFor.
func (d *Dispatcher) joinTenantRoom(s *session, event string, payload json.RawMessage, roomFor func(string) string) (string, error) {
	var req protocol.TenantRequest
	if err := protocol.Decode(payload, &req); err != nil {
		if _, aerr := d.requireAuth(s, event); aerr != nil {
			return "", aerr
		}
		d.fail(s, event, err)
		return "", err
	}
	if _, err := d.requireTenant(s, event, req.TenantID); err != nil {
		return "", err
	}
	err := d.registry.Mutate(s.id, func(c *registry.Connection) error {
		if c.ActiveTenant != req.TenantID {
			return gwerrors.ErrNoTenantSelected
		}
		d.rooms.Join(roomFor(req.TenantID), s.id)
		return nil
	})
	if err != nil {
		return "", err
	}
	return req.TenantID, nil
}

func (d *Dispatcher) requireAuth(s *session, event string) (registry.Connection, error) {
	conn, ok := d.registry.Get(s.id)
	if !ok {
		return conn, registry.ErrConnectionNotFound
	}
	if conn.State() == registry.StateUnauthenticated {
		d.fail(s, event, gwerrors.ErrNotAuthenticated)
		return conn, gwerrors.ErrNotAuthenticated
	}
	return conn, nil
}

// requireTenant checks that tenantID is the connection's selected tenant.
func (d *Dispatcher) requireTenant(s *session, event, tenantID string) (registry.Connection, error) {
	conn, err := d.requireAuth(s, event)
	if err != nil {
		return conn, err
	}
	if conn.State() != registry.StateTenantSelected {
		d.fail(s, event, gwerrors.ErrNoTenantSelected)
		return conn, gwerrors.ErrNoTenantSelected
	}
	if tenantID != "" && tenantID != conn.ActiveTenant {
		err := gwerrors.Newf(gwerrors.KindAccessDenied, "Tenant %s is not the selected tenant", tenantID)
		d.fail(s, event, err)
		return conn, err
	}
	return conn, nil
}

func (d *Dispatcher) sameUser(s *session, userID string) bool {
	conn, ok := d.registry.Get(s.id)
	return ok && conn.User != nil && conn.User.ID == userID
}

func (d *Dispatcher) tenantActive(s *session, tenantID string) bool {
	conn, ok := d.registry.Get(s.id)
	return ok && conn.State() == registry.StateTenantSelected && conn.ActiveTenant == tenantID
}

// publicError logs internal failures and returns the client-visible message.
func (d *Dispatcher) publicError(s *session, event string, err error) string {
	if gwerrors.KindOf(err) == gwerrors.KindInternal {
		_ = gwerrors.LogWithError(s.ctx, d.log, "internal error completing event", err,
			zap.String("event", event),
			zap.String("connection_id", s.id))
	}
	return gwerrors.PublicMessage(err)
}
