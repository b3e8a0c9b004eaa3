package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nmxmxh/htpi-gateway/internal/bus/transport"
	"github.com/nmxmxh/htpi-gateway/internal/protocol"
	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
	"github.com/nmxmxh/htpi-gateway/pkg/json"
)

// Demo credentials accepted by the mock auth service.
const (
	DemoEmail    = "demo@htpi.com"
	DemoPassword = "demo123"
	DemoUserID   = "user-001"
)

var (
	demoUser = protocol.User{ID: DemoUserID, Email: DemoEmail, Name: "Demo User", Role: "admin"}

	demoTenants = []protocol.Tenant{
		{ID: "tenant-001", Name: "Demo Medical Practice", Role: "admin"},
		{ID: "tenant-002", Name: "Sample Health Clinic", Role: "admin"},
	}

	seedPatients = map[string][]protocol.Patient{
		"tenant-001": {
			{ID: "patient-001", FirstName: "John", LastName: "Smith", DateOfBirth: "1980-05-15", Email: "john.smith@example.com", Phone: "555-0101", TenantID: "tenant-001"},
			{ID: "patient-002", FirstName: "Maria", LastName: "Garcia", DateOfBirth: "1975-09-22", Email: "maria.garcia@example.com", Phone: "555-0102", TenantID: "tenant-001"},
			{ID: "patient-003", FirstName: "Robert", LastName: "Chen", DateOfBirth: "1992-01-08", Phone: "555-0103", TenantID: "tenant-001"},
		},
	}
)

// MockOptions configures a MockBridge.
type MockOptions struct {
	JWTSecret string
	TokenTTL  time.Duration
	Issuer    string
	Logger    *zap.Logger
	// Subjects names the broadcasts the mock publishes as a backend would.
	Subjects Subjects
	// Now is the clock used for tokens and timestamps.
	Now func() time.Time
}

type mockSubscription struct {
	pattern string
	h       BroadcastHandler
}

// mockBroadcast is the body of a broadcast published by the mock backend.
type mockBroadcast struct {
	TenantID string `json:"tenant_id"`
	Data     any    `json:"data"`
}

// MockBridge answers every call in-process from a fixed table. Completions run
// synchronously inside Call. Creating a patient also publishes the dashboard
// broadcasts the backend services would.
type MockBridge struct {
	secret       []byte
	ttl          time.Duration
	issuer       string
	passwordHash []byte
	subjects     Subjects
	log          *zap.Logger
	now          func() time.Time

	mu      sync.RWMutex
	subs    []mockSubscription
	created map[string]int
}

func NewMock(opts MockOptions) (*MockBridge, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Issuer == "" {
		opts.Issuer = "htpi-gateway"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Subjects.Namespace == "" {
		opts.Subjects = NewSubjects("htpi", nil)
	}
	if opts.JWTSecret == "" {
		return nil, fmt.Errorf("mock bridge requires a JWT secret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("hash demo password: %w", err)
	}
	return &MockBridge{
		secret:       []byte(opts.JWTSecret),
		ttl:          opts.TokenTTL,
		issuer:       opts.Issuer,
		passwordHash: hash,
		subjects:     opts.Subjects,
		created:      make(map[string]int),
		log:          opts.Logger.With(zap.String("component", "bus"), zap.String("mode", string(ModeMock))),
		now:          opts.Now,
	}, nil
}

func (m *MockBridge) Mode() Mode { return ModeMock }

// Call resolves req against the table and invokes done before returning.
func (m *MockBridge) Call(_ context.Context, req Request, done Completion) string {
	id := uuid.NewString()
	data, err := m.resolve(req)
	res := Result{RequestID: id, Err: err}
	if err == nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			res.Err = gwerrors.Internal("encode mock result", merr)
		} else {
			res.Data = raw
		}
	}
	m.log.Debug("Mock call",
		zap.String("op", string(req.Op)),
		zap.String("connection_id", req.ConnectionID),
		zap.Bool("success", res.Err == nil))
	if done != nil {
		done(res)
	}
	if res.Err == nil && req.Op == OpPatientCreate {
		if created, ok := data.(protocol.PatientCreateResult); ok {
			m.publishPatientCreated(created.Patient)
		}
	}
	return id
}

// publishPatientCreated emits the activity and stats broadcasts that follow a
// new patient.
func (m *MockBridge) publishPatientCreated(p protocol.Patient) {
	if p.TenantID == "" {
		return
	}
	activity := protocol.Activity{
		ID:        "activity-" + uuid.NewString(),
		Type:      "patient",
		Message:   "New patient registered: " + p.FirstName + " " + p.LastName,
		Timestamp: p.CreatedAt,
	}
	for _, b := range []struct {
		kind string
		body any
	}{
		{KindActivityCreated, activity},
		{KindStatsUpdated, m.stats(p.TenantID)},
	} {
		subject := m.subjects.Broadcast(b.kind, p.TenantID)
		if _, err := m.Emit(subject, mockBroadcast{TenantID: p.TenantID, Data: b.body}); err != nil {
			m.log.Warn("Mock broadcast failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

func (m *MockBridge) stats(tenantID string) protocol.DashboardStats {
	m.mu.RLock()
	created := m.created[tenantID]
	m.mu.RUnlock()
	return protocol.DashboardStats{
		TenantID:       tenantID,
		TotalPatients:  len(seedPatients[tenantID]) + created,
		ActiveClaims:   12,
		PendingClaims:  4,
		MonthlyRevenue: 45250.75,
	}
}

func (m *MockBridge) resolve(req Request) (any, error) {
	switch req.Op {
	case OpLogin:
		var in protocol.LoginCall
		if err := decodeBody(req.Body, &in); err != nil {
			return nil, err
		}
		return m.login(in)
	case OpTenantList:
		return protocol.TenantListResult{Tenants: append([]protocol.Tenant(nil), demoTenants...)}, nil
	case OpTenantVerify:
		var in protocol.VerifyAccessCall
		if err := decodeBody(req.Body, &in); err != nil {
			return nil, err
		}
		for _, t := range demoTenants {
			if t.ID == in.TenantID {
				return protocol.VerifyAccessResult{TenantID: t.ID, Granted: true}, nil
			}
		}
		return nil, gwerrors.Denied("Access denied to tenant")
	case OpPatientList:
		var in protocol.TenantCall
		if err := decodeBody(req.Body, &in); err != nil {
			return nil, err
		}
		patients := append([]protocol.Patient{}, seedPatients[in.TenantID]...)
		return protocol.PatientListResult{Patients: patients}, nil
	case OpPatientCreate:
		var in protocol.Patient
		if err := decodeBody(req.Body, &in); err != nil {
			return nil, err
		}
		ts := m.now().UTC().Format(time.RFC3339)
		in.ID = "patient-" + uuid.NewString()
		in.CreatedAt = ts
		in.UpdatedAt = ts
		if in.TenantID != "" {
			m.mu.Lock()
			m.created[in.TenantID]++
			m.mu.Unlock()
		}
		return protocol.PatientCreateResult{Patient: in}, nil
	case OpDashboardStats:
		var in protocol.TenantCall
		if err := decodeBody(req.Body, &in); err != nil {
			return nil, err
		}
		return m.stats(in.TenantID), nil
	case OpDashboardActivity:
		ts := m.now().UTC()
		return protocol.ActivityListResult{Activities: []protocol.Activity{
			{ID: "activity-001", Type: "claim", Message: "Claim submitted for John Smith", Timestamp: ts.Add(-15 * time.Minute).Format(time.RFC3339)},
			{ID: "activity-002", Type: "patient", Message: "New patient registered: Maria Garcia", Timestamp: ts.Add(-2 * time.Hour).Format(time.RFC3339)},
			{ID: "activity-003", Type: "payment", Message: "Payment received from Blue Cross", Timestamp: ts.Add(-26 * time.Hour).Format(time.RFC3339)},
		}}, nil
	default:
		return nil, gwerrors.Unavailable(fmt.Errorf("no mock handler for %s", req.Op))
	}
}

func (m *MockBridge) login(in protocol.LoginCall) (any, error) {
	if in.Email != DemoEmail ||
		bcrypt.CompareHashAndPassword(m.passwordHash, []byte(in.Password)) != nil {
		return nil, gwerrors.New(gwerrors.KindNotAuthenticated, "Invalid credentials")
	}
	token, err := m.issueToken(demoUser)
	if err != nil {
		return nil, gwerrors.Internal("sign token", err)
	}
	return protocol.LoginResult{User: demoUser, Token: token}, nil
}

func (m *MockBridge) issueToken(u protocol.User) (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"name":  u.Name,
		"role":  u.Role,
		"iss":   m.issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(m.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// decodeBody copies a request body of any shape into a typed value.
func decodeBody(body any, v any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return gwerrors.Internal("encode request body", err)
	}
	if json.IsEmpty(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return gwerrors.Validation("malformed request body")
	}
	return nil
}

func (m *MockBridge) Subscribe(pattern string, h BroadcastHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, mockSubscription{pattern: pattern, h: h})
	return nil
}

// Emit delivers body on subject to every matching subscription, as if a backend
// service had published it. It returns the number of handlers invoked.
func (m *MockBridge) Emit(subject string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast: %w", err)
	}
	m.mu.RLock()
	var targets []BroadcastHandler
	for _, s := range m.subs {
		if transport.Matches(s.pattern, subject) {
			targets = append(targets, s.h)
		}
	}
	m.mu.RUnlock()

	b := ParseBroadcast(subject, raw)
	for _, h := range targets {
		h(b)
	}
	return len(targets), nil
}

func (m *MockBridge) Orphan(string) int { return 0 }

func (m *MockBridge) Healthy() error { return nil }

func (m *MockBridge) Close() error {
	m.mu.Lock()
	m.subs = nil
	m.mu.Unlock()
	return nil
}

// verifyToken parses a token issued by the mock auth service.
func (m *MockBridge) verifyToken(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
