package bus

import "strings"

// Operation is a backend capability. Its default subject is {namespace}.{op}.
type Operation string

const (
	OpLogin             Operation = "auth.login"
	OpTenantList        Operation = "tenant.list.for.user"
	OpTenantVerify      Operation = "tenant.verify.access"
	OpPatientList       Operation = "patient.list"
	OpPatientCreate     Operation = "patient.create"
	OpDashboardStats    Operation = "dashboard.get.stats"
	OpDashboardActivity Operation = "dashboard.get.activity"
)

// Broadcast kinds, published on {namespace}.broadcast.{kind}.{tenantId}.
const (
	KindStatsUpdated    = "dashboard.stats.updated"
	KindActivityCreated = "dashboard.activity.created"
	KindPatientCreated  = "patient.created"
)

// Subjects derives every subject the gateway uses from a namespace plus optional
// per-operation overrides.
type Subjects struct {
	Namespace string
	Overrides map[Operation]string
}

func NewSubjects(namespace string, overrides map[Operation]string) Subjects {
	clean := make(map[Operation]string, len(overrides))
	for op, s := range overrides {
		if s = strings.TrimSpace(s); s != "" {
			clean[op] = s
		}
	}
	return Subjects{Namespace: namespace, Overrides: clean}
}

// For returns the request subject of op.
func (s Subjects) For(op Operation) string {
	if sub, ok := s.Overrides[op]; ok {
		return sub
	}
	return s.Namespace + "." + string(op)
}

func (s Subjects) replyPrefix(instance string) string {
	return s.Namespace + ".gateway." + instance + ".reply."
}

// ReplySubject is where replies for connID are published.
func (s Subjects) ReplySubject(instance, connID string) string {
	return s.replyPrefix(instance) + connID
}

// ReplyPattern matches the reply subjects of every connection of an instance.
func (s Subjects) ReplyPattern(instance string) string {
	return s.replyPrefix(instance) + "*"
}

// ConnectionFromReply extracts the connection id from a reply subject.
func (s Subjects) ConnectionFromReply(instance, subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, s.replyPrefix(instance))
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// Broadcast is the subject of a broadcast of kind for tenantID.
func (s Subjects) Broadcast(kind, tenantID string) string {
	return s.Namespace + ".broadcast." + kind + "." + tenantID
}

// BroadcastPattern matches broadcasts of kind for every tenant.
func (s Subjects) BroadcastPattern(kind string) string {
	return s.Namespace + ".broadcast." + kind + ".*"
}
