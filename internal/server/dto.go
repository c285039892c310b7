package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/gate"
)

// Request payloads

type AssignTasksRequest struct {
	TaskIDs    []string `json:"task_ids"`
	AssigneeID string   `json:"assignee_id"`
	BucketID   string   `json:"bucket_id,omitempty"`
}

type ReorderRequest struct {
	TaskIDs []string `json:"task_ids"`
	Filter  string   `json:"filter,omitempty"`
}

// DispositionRequest carries the finish form. Every field is optional on the
// wire so incomplete forms reach the disposition rules and come back as 422.
type DispositionRequest struct {
	Code             string `json:"code,omitempty"`
	PaymentMethod    string `json:"payment_method,omitempty"`
	PaymentType      string `json:"payment_type,omitempty"`
	PaymentDate      string `json:"payment_date,omitempty"`
	Amount           Amount `json:"amount,omitempty"`
	Reference        string `json:"reference,omitempty"`
	ReasonNonPayment string `json:"reason_non_payment,omitempty"`
	SourceOfFunds    string `json:"source_of_funds,omitempty"`
	Comment          string `json:"comment,omitempty"`
}

func (r DispositionRequest) input() domain.DispositionInput {
	return domain.DispositionInput{
		Code:             r.Code,
		PaymentMethod:    r.PaymentMethod,
		PaymentType:      r.PaymentType,
		PaymentDate:      r.PaymentDate,
		Amount:           string(r.Amount),
		Reference:        r.Reference,
		ReasonNonPayment: r.ReasonNonPayment,
		SourceOfFunds:    r.SourceOfFunds,
		Comment:          r.Comment,
	}
}

// Amount is a payment amount in major units. Clients may send it as a decimal
// string ("1500.50") or a JSON number (500); the literal text is kept and
// parsed by the disposition rules.
type Amount string

func (Amount) Schema(r huma.Registry) *huma.Schema {
	return &huma.Schema{
		Description: "Payment amount in major units, as a decimal string or a number.",
		OneOf: []*huma.Schema{
			{Type: huma.TypeString},
			{Type: huma.TypeNumber},
		},
		Examples: []any{"1500.50", 500},
	}
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a decimal string or a number: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

type DevLoginRequest struct {
	AgentID string `json:"agent_id"`
	ScopeID string `json:"scope_id,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

type TaskResponse struct {
	domain.Task
	// PendingFinish is set when a disposition is stored but the task is still STARTED.
	PendingFinish bool `json:"pending_finish"`
}

type AssignResponse = engine.AssignmentResult

type ReorderResponse = engine.BatchResult

type FinishResponse = engine.FinishResult

type PendingFinishResponse struct {
	Pending     bool                `json:"pending"`
	Disposition *domain.Disposition `json:"disposition,omitempty"`
}

type ReleaseResponse struct {
	Released bool `json:"released"`
}

type NotificationListResponse struct {
	Items      []domain.Notification `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type DispositionTypeListResponse struct {
	Items []domain.DispositionType `json:"items"`
}

type CheckDispositionResponse struct {
	CanFinish  bool             `json:"can_finish"`
	Violations []gate.Violation `json:"violations"`
	Required   []string         `json:"required"`
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type LeaseResponse = domain.Lease
