package fieldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal fieldline HTTP API client. Field calls need a token
// whose scope claim names the device session, or AgentID plus ScopeID when
// the server accepts legacy headers.
type Client struct {
	BaseURL     string
	BearerToken string
	AgentID     string
	ScopeID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Task struct {
	ID            string  `json:"id"`
	BucketID      string  `json:"bucket_id"`
	CallfileID    string  `json:"callfile_id"`
	AccountRef    string  `json:"account_ref"`
	CustomerName  string  `json:"customer_name,omitempty"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	Order         int     `json:"order"`
	Balance       int64   `json:"balance"`
	State         string  `json:"state"`
	StartedScope  *string `json:"started_scope,omitempty"`
	StartedAt     *string `json:"started_at,omitempty"`
	FinishedAt    *string `json:"finished_at,omitempty"`
	PendingFinish bool    `json:"pending_finish,omitempty"`
}

// Disposition is the form sent on finish; Amount is a decimal string.
type Disposition struct {
	Code             string `json:"code,omitempty"`
	PaymentMethod    string `json:"payment_method,omitempty"`
	PaymentType      string `json:"payment_type,omitempty"`
	PaymentDate      string `json:"payment_date,omitempty"`
	Amount           string `json:"amount,omitempty"`
	Reference        string `json:"reference,omitempty"`
	ReasonNonPayment string `json:"reason_non_payment,omitempty"`
	SourceOfFunds    string `json:"source_of_funds,omitempty"`
	Comment          string `json:"comment,omitempty"`
}

// StoredDisposition is the immutable record; Amount is in minor units.
type StoredDisposition struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	AgentID       string  `json:"agent_id"`
	ScopeID       string  `json:"scope_id"`
	Code          string  `json:"code"`
	PaymentMethod *string `json:"payment_method,omitempty"`
	Amount        *int64  `json:"amount,omitempty"`
	Reference     *string `json:"reference,omitempty"`
	Comment       string  `json:"comment"`
	CreatedAt     string  `json:"created_at"`
}

type FinishResult struct {
	Task        Task              `json:"task"`
	Disposition StoredDisposition `json:"disposition"`
	Resumed     bool              `json:"resumed"`
}

type AssignmentResult struct {
	Assigned  []string `json:"assigned"`
	Skipped   []string `json:"skipped"`
	FailedAt  *string  `json:"failed_at,omitempty"`
	Attempted int      `json:"attempted"`
}

type BatchResult struct {
	Succeeded []string `json:"succeeded"`
	FailedAt  *string  `json:"failed_at,omitempty"`
	Attempted int      `json:"attempted"`
}

type Lease struct {
	ScopeID    string `json:"scope_id"`
	TaskID     string `json:"task_id"`
	AgentID    string `json:"agent_id"`
	AcquiredAt string `json:"acquired_at"`
}

type Notification struct {
	ID         int64   `json:"id"`
	ActorID    string  `json:"actor_id"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	BucketID   *string `json:"bucket_id,omitempty"`
	Count      int     `json:"count"`
	Kind       string  `json:"kind"`
	CreatedAt  string  `json:"created_at"`
}

// NotificationPage wraps list responses with cursors.
type NotificationPage struct {
	Items      []Notification `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// BucketTasks lists a bucket's workable tasks; an empty assigneeID returns the whole bucket.
func (c *Client) BucketTasks(ctx context.Context, bucketID, assigneeID string) ([]Task, error) {
	endpoint := fmt.Sprintf("buckets/%s/tasks", url.PathEscape(bucketID))
	if assigneeID != "" {
		endpoint += "?assignee_id=" + url.QueryEscape(assigneeID)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// Assign hands taskIDs to assigneeID. A partial failure returns both the
// result decoded from the error details and the *APIError.
func (c *Client) Assign(ctx context.Context, assigneeID string, taskIDs []string) (AssignmentResult, error) {
	body := map[string]any{"assignee_id": assigneeID, "task_ids": taskIDs}
	var resp AssignmentResult
	err := c.do(ctx, http.MethodPost, "tasks/assign", body, &resp)
	return resp, err
}

func (c *Client) Reorder(ctx context.Context, bucketID string, taskIDs []string) (BatchResult, error) {
	var resp BatchResult
	endpoint := fmt.Sprintf("buckets/%s/order", url.PathEscape(bucketID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"task_ids": taskIDs}, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/start", nil, &resp)
	return resp, err
}

func (c *Client) Finish(ctx context.Context, taskID string, d Disposition) (FinishResult, error) {
	var resp FinishResult
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/finish", d, &resp)
	return resp, err
}

// Release drops the lease of the client's scope.
func (c *Client) Release(ctx context.Context) (bool, error) {
	var resp struct {
		Released bool `json:"released"`
	}
	err := c.do(ctx, http.MethodPost, "scopes/"+url.PathEscape(c.ScopeID)+"/release", nil, &resp)
	return resp.Released, err
}

func (c *Client) Lease(ctx context.Context) (Lease, error) {
	var resp Lease
	err := c.do(ctx, http.MethodGet, "scopes/"+url.PathEscape(c.ScopeID)+"/lease", nil, &resp)
	return resp, err
}

// Notifications polls the caller's notifications page by page.
func (c *Client) Notifications(ctx context.Context, limit int, cursor string) (NotificationPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "notifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp NotificationPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
		if c.ScopeID != "" {
			req.Header.Set("X-Scope-Id", c.ScopeID)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b, out)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte, out any) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	// Partial batch failures carry the progress made; surface it through out.
	if apiErr.Code == "partial_batch_failure" && out != nil && apiErr.Details != nil {
		if raw, err := json.Marshal(apiErr.Details); err == nil {
			_ = json.Unmarshal(raw, out)
		}
	}
	return apiErr
}
