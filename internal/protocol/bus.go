package protocol

// Request and reply bodies exchanged with the backend services over the bus. These
// travel inside the bus envelope's data field.

type LoginCall struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResult struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

type UserCall struct {
	UserID string `json:"user_id"`
}

type TenantListResult struct {
	Tenants []Tenant `json:"tenants"`
}

type VerifyAccessCall struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

type VerifyAccessResult struct {
	TenantID string `json:"tenant_id"`
	Granted  bool   `json:"granted"`
}

type TenantCall struct {
	TenantID string `json:"tenant_id"`
	Limit    int    `json:"limit,omitempty"`
}

type PatientListResult struct {
	Patients []Patient `json:"patients"`
}

type PatientCreateResult struct {
	Patient Patient `json:"patient"`
}

type ActivityListResult struct {
	Activities []Activity `json:"activities"`
}
