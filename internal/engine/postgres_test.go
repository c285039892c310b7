package engine_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/apperr"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/notify"
)

// newPostgresEnv runs the engine against DATABASE_URL inside a throwaway schema.
func newPostgresEnv(t *testing.T) testEnv {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	admin, err := db.Open(db.Config{Driver: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}
	t.Cleanup(func() { _ = admin.Close() })
	schema := "fl_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	if _, err := admin.Exec(`CREATE SCHEMA ` + schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { _, _ = admin.Exec(`DROP SCHEMA ` + schema + ` CASCADE`) })

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	conn, err := db.Open(db.Config{Driver: "postgres", DSN: dsn + sep + "search_path=" + schema})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	env := testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}
	seed(t, env)
	return env
}

func TestPostgresLifecycle(t *testing.T) {
	env := newPostgresEnv(t)
	tasks := env.assignedTasks(t, agentX, 2)
	s := scope("x-phone", agentX)

	if _, err := env.Engine.Start(env.Ctx, s, tasks[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := env.Engine.Start(env.Ctx, scope("x-tablet", agentX), tasks[0].ID)
	wantKind(t, err, apperr.KindLeaseConflict)
	_, err = env.Engine.Start(env.Ctx, s, tasks[1].ID)
	wantKind(t, err, apperr.KindLeaseConflict)

	res, err := env.Engine.Finish(env.Ctx, s, tasks[0].ID, cashPTP())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if res.Task.State != domain.TaskFinished {
		t.Fatalf("expected FINISHED, got %s", res.Task.State)
	}
	if _, err := env.Engine.Reorder(env.Ctx, engine.ReorderRequest{BucketID: bucketID, TaskIDs: []string{tasks[1].ID}}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	page, err := env.Engine.Notify.List(env.Ctx, notify.Filter{Kind: domain.NotificationAssignment, AssigneeID: agentX})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("notifications: %+v err=%v", page, err)
	}
}

func TestPostgresBalanceIsImmutable(t *testing.T) {
	env := newPostgresEnv(t)
	task := env.newTask(t, "immutable")
	_, err := env.Engine.DB.Exec(`UPDATE tasks SET balance=balance+1 WHERE id=$1`, task.ID)
	if err == nil {
		t.Fatalf("expected trigger to reject balance change")
	}
	var balance int64
	if err := env.Engine.DB.QueryRow(`SELECT balance FROM tasks WHERE id=$1`, task.ID).Scan(&balance); err != nil {
		t.Fatal(err)
	}
	if balance != task.Balance {
		t.Fatalf("balance changed: %d", balance)
	}
}

func TestPostgresConcurrentAssignmentsKeepOrderUnique(t *testing.T) {
	concurrentAssignments(t, newPostgresEnv(t))
}
