package domain

import "strings"

// TaskState is the field lifecycle position of a task.
type TaskState string

const (
	TaskUnassigned TaskState = "UNASSIGNED"
	TaskAssigned   TaskState = "ASSIGNED"
	TaskStarted    TaskState = "STARTED"
	TaskFinished   TaskState = "FINISHED"
)

func (s TaskState) Valid() bool {
	switch s {
	case TaskUnassigned, TaskAssigned, TaskStarted, TaskFinished:
		return true
	}
	return false
}

// Agent roles. Assignment requires the assigner and assignee to hold different roles.
const (
	RoleAgent      = "agent"
	RoleTeamLead   = "team_lead"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

func ValidRole(role string) bool {
	switch role {
	case RoleAgent, RoleTeamLead, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// Notification kinds.
const (
	NotificationAssignment = "assignment"
)

type Bucket struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Callfile struct {
	ID        string `json:"id"`
	BucketID  string `json:"bucket_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Approved  bool   `json:"approved"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Workable reports whether tasks of this callfile are visible in field views.
func (c Callfile) Workable() bool {
	return c.Active && c.Approved
}

type Agent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"agent,team_lead,supervisor,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID           string    `json:"id"`
	BucketID     string    `json:"bucket_id"`
	CallfileID   string    `json:"callfile_id"`
	AccountRef   string    `json:"account_ref"`
	CustomerName string    `json:"customer_name,omitempty"`
	AssigneeID   *string   `json:"assignee_id,omitempty"`
	Order        int       `json:"order"`
	Balance      int64     `json:"balance"`
	State        TaskState `json:"state" enum:"UNASSIGNED,ASSIGNED,STARTED,FINISHED"`
	StartedScope *string   `json:"started_scope,omitempty"`
	StartedAt    *string   `json:"started_at,omitempty" format:"date-time"`
	FinishedAt   *string   `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
	UpdatedAt    string    `json:"updated_at" format:"date-time"`
}

func (t Task) AssignedTo(agentID string) bool {
	return t.AssigneeID != nil && *t.AssigneeID == agentID
}

func (t Task) StartedBy(scopeID string) bool {
	return t.State == TaskStarted && t.StartedScope != nil && *t.StartedScope == scopeID
}

type DispositionType struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	FieldCapable bool   `json:"field_capable"`
}

// Disposition is the immutable outcome record captured when a field visit ends.
type Disposition struct {
	ID               string  `json:"id"`
	TaskID           string  `json:"task_id"`
	AgentID          string  `json:"agent_id"`
	ScopeID          string  `json:"scope_id"`
	Code             string  `json:"code"`
	PaymentMethod    *string `json:"payment_method,omitempty"`
	PaymentType      *string `json:"payment_type,omitempty"`
	PaymentDate      *string `json:"payment_date,omitempty"`
	Amount           *int64  `json:"amount,omitempty"`
	Reference        *string `json:"reference,omitempty"`
	ReasonNonPayment *string `json:"reason_non_payment,omitempty"`
	SourceOfFunds    *string `json:"source_of_funds,omitempty"`
	Comment          string  `json:"comment"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// DispositionInput is the form an agent submits to finish a task.
// Amount is a decimal string in major units ("1500.50").
type DispositionInput struct {
	Code             string `json:"code"`
	PaymentMethod    string `json:"payment_method,omitempty"`
	PaymentType      string `json:"payment_type,omitempty"`
	PaymentDate      string `json:"payment_date,omitempty"`
	Amount           string `json:"amount,omitempty"`
	Reference        string `json:"reference,omitempty"`
	ReasonNonPayment string `json:"reason_non_payment,omitempty"`
	SourceOfFunds    string `json:"source_of_funds,omitempty"`
	Comment          string `json:"comment"`
}

// Fields flattens the input into the field names used by finish rules.
func (in DispositionInput) Fields() map[string]string {
	return map[string]string{
		"code":               strings.TrimSpace(in.Code),
		"payment_method":     in.PaymentMethod,
		"payment_type":       in.PaymentType,
		"payment_date":       in.PaymentDate,
		"amount":             in.Amount,
		"reference":          in.Reference,
		"reason_non_payment": in.ReasonNonPayment,
		"source_of_funds":    in.SourceOfFunds,
		"comment":            in.Comment,
	}
}

// Lease marks the single task a scope is actively working.
type Lease struct {
	ScopeID    string `json:"scope_id"`
	TaskID     string `json:"task_id"`
	AgentID    string `json:"agent_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
}

type Notification struct {
	ID         int64   `json:"id"`
	ActorID    string  `json:"actor_id"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	BucketID   *string `json:"bucket_id,omitempty"`
	Count      int     `json:"count"`
	Kind       string  `json:"kind"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Scope is an agent's working session; it may hold at most one lease.
type Scope struct {
	ID      string `json:"scope_id"`
	AgentID string `json:"agent_id"`
}
