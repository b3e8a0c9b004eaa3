package rooms

import "strings"

// Room name prefixes.
const (
	PrefixTenant    = "tenant:"
	PrefixDashboard = "dashboard:"
	PrefixPatients  = "patients:"
	PrefixUser      = "user:"
)

func TenantRoom(tenantID string) string    { return PrefixTenant + tenantID }
func DashboardRoom(tenantID string) string { return PrefixDashboard + tenantID }
func PatientsRoom(tenantID string) string  { return PrefixPatients + tenantID }
func UserRoom(userID string) string        { return PrefixUser + userID }

// IsTenantScoped reports whether room belongs to a tenant selection: the tenant,
// dashboard or patients room of some tenant.
func IsTenantScoped(room string) bool {
	return strings.HasPrefix(room, PrefixTenant) ||
		strings.HasPrefix(room, PrefixDashboard) ||
		strings.HasPrefix(room, PrefixPatients)
}
