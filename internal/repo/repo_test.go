package repo_test

import (
	"context"
	"errors"
	"testing"

	"fieldline/internal/apperr"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn)
}

func seedTask(t *testing.T, r repo.Repo, state domain.TaskState) domain.Task {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertBucket(ctx, tx, domain.Bucket{ID: "b1", Name: "B1", CreatedAt: ts}); err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if err := r.InsertCallfile(ctx, tx, domain.Callfile{ID: "c1", BucketID: "b1", Name: "C1", Active: true, Approved: true, CreatedAt: ts}); err != nil {
		t.Fatalf("callfile: %v", err)
	}
	task := domain.Task{ID: "t1", BucketID: "b1", CallfileID: "c1", AccountRef: "A-1", Balance: 1000, State: state, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertTask(ctx, tx, task); err != nil {
		t.Fatalf("task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestSetStateIsCompareAndSwap(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedTask(t, r, domain.TaskAssigned)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.SetState(ctx, tx, repo.Transition{TaskID: "t1", From: domain.TaskAssigned, To: domain.TaskStarted, ScopeID: "s1", At: ts})
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	if !got.StartedBy("s1") || got.StartedAt == nil || *got.StartedAt != ts {
		t.Fatalf("expected started stamps, got %+v", got)
	}
	_, err = r.SetState(ctx, tx, repo.Transition{TaskID: "t1", From: domain.TaskAssigned, To: domain.TaskStarted, ScopeID: "s2", At: ts})
	if !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if details := apperr.DetailsOf(err); details["state"] != string(domain.TaskStarted) {
		t.Fatalf("expected observed state in details, got %v", details)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetTask(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBalanceAndDispositionsAreImmutable(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedTask(t, r, domain.TaskStarted)
	if _, err := r.DB.ExecContext(ctx, `UPDATE tasks SET balance=5 WHERE id='t1'`); err == nil {
		t.Fatalf("expected balance update to fail")
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO disposition_types(code,name,field_capable) VALUES ('NOT_HOME','Not home',1)`); err != nil {
		t.Fatal(err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := domain.Disposition{ID: "d1", TaskID: "t1", AgentID: "a1", ScopeID: "s1", Code: "NOT_HOME", Comment: "nobody", CreatedAt: ts}
	if err := r.InsertDisposition(ctx, tx, d); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE dispositions SET comment='edited' WHERE id='d1'`); err == nil {
		t.Fatalf("expected disposition update to fail")
	}
	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	d.ID = "d2"
	err = r.InsertDisposition(ctx, tx, d)
	if !db.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation for a second disposition, got %v", err)
	}
}

func TestLeaseUniqueness(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedTask(t, r, domain.TaskAssigned)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertLease(ctx, tx, domain.Lease{ScopeID: "s1", TaskID: "t1", AgentID: "a1", AcquiredAt: ts}); err != nil {
		t.Fatalf("insert lease: %v", err)
	}
	err = r.InsertLease(ctx, tx, domain.Lease{ScopeID: "s2", TaskID: "t1", AgentID: "a2", AcquiredAt: ts})
	if !db.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation on task, got %v", err)
	}
	removed, err := r.DeleteLeaseForTask(ctx, tx, "s2", "t1")
	if err != nil || removed {
		t.Fatalf("foreign scope must not release, removed=%v err=%v", removed, err)
	}
	removed, err = r.DeleteLeaseByScope(ctx, tx, "s1")
	if err != nil || !removed {
		t.Fatalf("expected release, removed=%v err=%v", removed, err)
	}
}
