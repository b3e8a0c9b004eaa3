// Package protocol defines the client wire contract: event names, the envelope
// that carries them and the typed payloads for each event.
package protocol

// Client to gateway events.
const (
	EventLogin              = "auth:login"
	EventLogout             = "auth:logout"
	EventTenantsList        = "user:tenants:list"
	EventTenantSelect       = "user:tenant:select"
	EventDashboardSubscribe = "dashboard:subscribe"
	EventPatientsSubscribe  = "patients:subscribe"
	EventPatientsAdd        = "patients:add"
)

// Gateway to client events.
const (
	EventConnected            = "connected"
	EventError                = "error"
	EventLoginResponse        = "auth:login:response"
	EventLogoutResponse       = "auth:logout:response"
	EventTenantsListResponse  = "user:tenants:list:response"
	EventTenantSelectResponse = "user:tenant:select:response"
	EventDashboardStats       = "dashboard:stats"
	EventDashboardActivity    = "dashboard:activity"
	EventDashboardStatUpdate  = "dashboard:stat:update"
	EventDashboardActivityNew = "dashboard:activity:new"
	EventPatientsList         = "patients:list"
	EventPatientsAddResponse  = "patients:add:response"
	EventPatientsNew          = "patients:new"
)
