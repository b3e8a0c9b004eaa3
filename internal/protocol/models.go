package protocol

// User is the authenticated identity returned by the auth service.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Tenant is a practice the user may act for.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Patient is a patient record as exchanged with the patient service.
type Patient struct {
	ID            string `json:"id"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	DateOfBirth   string `json:"dateOfBirth"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	TenantID      string `json:"tenantId"`
	CreatedBy     string `json:"created_by,omitempty"`
	CreatedByName string `json:"created_by_name,omitempty"`
	CreatedAt     string `json:"createdAt,omitempty"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

// DashboardStats is the per-tenant summary shown on the dashboard.
type DashboardStats struct {
	TenantID       string  `json:"tenantId"`
	TotalPatients  int     `json:"totalPatients"`
	ActiveClaims   int     `json:"activeClaims"`
	PendingClaims  int     `json:"pendingClaims"`
	MonthlyRevenue float64 `json:"monthlyRevenue"`
}

// Activity is one entry of the dashboard activity feed.
type Activity struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Gateway to client payloads.

type Connected struct {
	Message      string `json:"message"`
	ConnectionID string `json:"connectionId"`
	Mode         string `json:"mode"`
}

type LoginResponse struct {
	Success   bool   `json:"success"`
	User      *User  `json:"user,omitempty"`
	Token     string `json:"token,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type LogoutResponse struct {
	Success bool `json:"success"`
}

type TenantsListResponse struct {
	Tenants []Tenant `json:"tenants"`
	Error   string   `json:"error,omitempty"`
}

type TenantSelectResponse struct {
	Success  bool   `json:"success"`
	TenantID string `json:"tenant_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type DashboardStatsPayload struct {
	TenantID string          `json:"tenantId"`
	Stats    *DashboardStats `json:"stats,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type DashboardActivityPayload struct {
	TenantID   string     `json:"tenantId"`
	Activities []Activity `json:"activities"`
	Error      string     `json:"error,omitempty"`
}

type PatientsListPayload struct {
	TenantID string    `json:"tenantId"`
	Patients []Patient `json:"patients"`
	Error    string    `json:"error,omitempty"`
}

type PatientAddResponse struct {
	Success bool     `json:"success"`
	Patient *Patient `json:"patient,omitempty"`
	Error   string   `json:"error,omitempty"`
}
