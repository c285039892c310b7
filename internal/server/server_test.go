package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	seedServer(t, e)
	cfg := Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyAgentHeader: true, DevLogin: true},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func seedServer(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.SyncDispositionCatalog(ctx); err != nil {
		t.Fatalf("sync catalog: %v", err)
	}
	if _, err := e.CreateBucket(ctx, "bkt-1", "Metro North", "admin"); err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if _, err := e.CreateCallfile(ctx, engine.CallfileCreateOptions{ID: "cf-1", BucketID: "bkt-1", Name: "Batch", Active: true, Approved: true, ActorID: "admin"}); err != nil {
		t.Fatalf("callfile: %v", err)
	}
	for _, a := range []domain.Agent{
		{ID: "tl-1", Name: "Lead", Role: domain.RoleTeamLead},
		{ID: "agent-x", Name: "Agent X", Role: domain.RoleAgent},
	} {
		if _, err := e.UpsertAgent(ctx, a, "admin"); err != nil {
			t.Fatalf("agent: %v", err)
		}
	}
	for i := 1; i <= 3; i++ {
		if _, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID: fmt.Sprintf("t%d", i), CallfileID: "cf-1", AccountRef: fmt.Sprintf("ACCT-%d", i), Balance: 100000, ActorID: "admin",
		}); err != nil {
			t.Fatalf("task: %v", err)
		}
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(agent, scope string) map[string]string {
	h := map[string]string{"X-Agent-Id": agent}
	if scope != "" {
		h["X-Scope-Id"] = scope
	}
	return h
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func assignAll(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/assign", map[string]any{
		"task_ids":    []string{"t1", "t2", "t3"},
		"assignee_id": "agent-x",
	}, as("tl-1", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
}

func TestFieldFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	assignAll(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/buckets/bkt-1/tasks?assignee_id=agent-x", nil, as("agent-x", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list TaskListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 3 || list.Items[0].ID != "t1" || list.Items[0].Order != 1 {
		t.Fatalf("unexpected agent view %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/start", nil, as("agent-x", "x-phone"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/start", nil, as("agent-x", "x-tablet"))
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "lease_conflict" {
		t.Fatalf("expected lease conflict, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/finish", map[string]any{
		"code": "PTP", "comment": "will pay friday", "payment_method": "GCASH",
	}, as("agent-x", "x-phone"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "validation_failed" || env.Error.Details["violations"] == nil {
		t.Fatalf("expected violations in details, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/finish", map[string]any{
		"code": "PTP", "comment": "will pay friday", "payment_method": "CASH",
		"payment_type": "FULL", "payment_date": "2024-01-05", "amount": "1500.50",
	}, as("agent-x", "x-phone"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish status %d: %s", res.StatusCode, string(data))
	}
	var finished FinishResponse
	if err := json.Unmarshal(data, &finished); err != nil {
		t.Fatalf("unmarshal finish: %v", err)
	}
	if finished.Task.State != domain.TaskFinished || finished.Disposition.Amount == nil || *finished.Disposition.Amount != 150050 {
		t.Fatalf("unexpected finish result %+v", finished)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/scopes/x-phone/lease", nil, as("agent-x", "x-phone"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected lease to be released, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t1/pending-finish", nil, as("agent-x", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	var pending PendingFinishResponse
	if err := json.Unmarshal(data, &pending); err != nil || pending.Pending {
		t.Fatalf("expected no pending finish, got %s", string(data))
	}
}

func TestFinishAcceptsNumericAmount(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	assignAll(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/start", nil, as("agent-x", "x-phone"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/finish", map[string]any{
		"code": "PTP", "comment": "ok", "payment_method": "CASH",
		"payment_type": "FULL", "payment_date": "2024-01-01", "amount": 500,
	}, as("agent-x", "x-phone"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish status %d: %s", res.StatusCode, string(data))
	}
	var finished FinishResponse
	if err := json.Unmarshal(data, &finished); err != nil {
		t.Fatalf("unmarshal finish: %v", err)
	}
	if finished.Disposition.Amount == nil || *finished.Disposition.Amount != 50000 {
		t.Fatalf("unexpected amount in %+v", finished.Disposition)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/buckets/bkt-1/tasks", nil, as("tl-1", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list TaskListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 2 || list.Items[0].ID != "t2" || list.Items[1].ID != "t3" {
		t.Fatalf("finished task still listed: %+v", list.Items)
	}
}

func TestFieldOperationsNeedScope(t *testing.T) {
	srv := newTestServer(t, nil)
	assignAll(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/t1/start", nil, as("agent-x", ""))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without scope, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/scopes/other/release", nil, as("agent-x", "x-phone"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 releasing a foreign scope, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowLegacyAgentHeader = false })
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t1", nil, as("agent-x", ""))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header must be ignored when disabled, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t1", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"agent_id": "agent-x", "scope_id": "x-phone"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t1", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, bearer)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Error.Code != "not_found" {
		t.Fatalf("expected not found, got %d: %s", res.StatusCode, string(data))
	}
}

func TestReorderAndNotifications(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	assignAll(t, srv)

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/buckets/bkt-1/order", map[string]any{
		"task_ids": []string{"t3", "t1", "t2"}, "filter": "ACCT-3",
	}, as("tl-1", ""))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("filtered reorder must be refused, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/buckets/bkt-1/order", map[string]any{
		"task_ids": []string{"t3", "t1"},
	}, as("tl-1", ""))
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "state_conflict" {
		t.Fatalf("incomplete sequence must conflict, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/buckets/bkt-1/order", map[string]any{
		"task_ids": []string{"t3", "t1", "t2"},
	}, as("tl-1", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reorder status %d: %s", res.StatusCode, string(data))
	}
	t3, err := srv.Engine.Repo.GetTask(context.Background(), "t3")
	if err != nil || t3.Order != 1 {
		t.Fatalf("expected t3 first, got %+v err=%v", t3, err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, as("agent-x", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d: %s", res.StatusCode, string(data))
	}
	var notes NotificationListResponse
	if err := json.Unmarshal(data, &notes); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(notes.Items) != 1 || notes.Items[0].Count != 3 || notes.Items[0].Kind != domain.NotificationAssignment {
		t.Fatalf("unexpected notifications %s", string(data))
	}
}

func TestCheckDisposition(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/dispositions/check", map[string]any{
		"code": "PAID", "payment_method": "BANK",
	}, as("agent-x", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}
	var check CheckDispositionResponse
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if check.CanFinish || len(check.Violations) == 0 {
		t.Fatalf("expected incomplete form, got %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dispositions/types?field_only=true", nil, as("agent-x", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("types status %d: %s", res.StatusCode, string(data))
	}
	var types DispositionTypeListResponse
	if err := json.Unmarshal(data, &types); err != nil {
		t.Fatalf("unmarshal types: %v", err)
	}
	for _, dt := range types.Items {
		if !dt.FieldCapable {
			t.Fatalf("field_only returned %s", dt.Code)
		}
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.RateLimit = 0.001
		c.Burst = 1
	})
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests || decodeError(t, data).Error.Code != "rate_limited" {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
}
