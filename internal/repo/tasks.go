package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fieldline/internal/apperr"
	"fieldline/internal/db"
	"fieldline/internal/domain"
)

const taskColumns = `id,bucket_id,callfile_id,account_ref,customer_name,assignee_id,ord,balance,state,started_scope,started_at,finished_at,created_at,updated_at`

func prefixed(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var customer, assignee, startedScope, startedAt, finishedAt sql.NullString
	var state string
	err := s.Scan(&t.ID, &t.BucketID, &t.CallfileID, &t.AccountRef, &customer, &assignee, &t.Order, &t.Balance, &state,
		&startedScope, &startedAt, &finishedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.State = domain.TaskState(state)
	if customer.Valid {
		t.CustomerName = customer.String
	}
	t.AssigneeID = stringPtr(assignee)
	t.StartedScope = stringPtr(startedScope)
	t.StartedAt = stringPtr(startedAt)
	t.FinishedAt = stringPtr(finishedAt)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.BucketID, t.CallfileID, t.AccountRef, nullable(t.CustomerName), nullableStringPtr(t.AssigneeID), t.Order, t.Balance,
		string(t.State), nullableStringPtr(t.StartedScope), nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
}

// ListWorkable returns the bucket's open tasks whose callfile is active and
// approved. FINISHED tasks are closed and hold no place in the order. Ordered
// tasks come first by order; unassigned tasks carry order 0 and trail.
func (r Repo) ListWorkable(ctx context.Context, bucketID, assigneeID string) ([]domain.Task, error) {
	clauses := []string{"t.bucket_id=?", "c.active=1", "c.approved=1", "t.state<>'FINISHED'"}
	args := []any{bucketID}
	if assigneeID != "" {
		clauses = append(clauses, "t.assignee_id=?")
		args = append(args, assigneeID)
	}
	query := `SELECT ` + prefixed(taskColumns, "t") + ` FROM tasks t JOIN callfiles c ON c.id=t.callfile_id WHERE ` +
		strings.Join(clauses, " AND ") +
		` ORDER BY CASE WHEN t.state='UNASSIGNED' THEN 1 ELSE 0 END, t.ord ASC, t.id ASC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// OrderDomainTx returns the ids of the workable ASSIGNED/STARTED tasks of a
// bucket in their current order.
func (r Repo) OrderDomainTx(ctx context.Context, tx *sql.Tx, bucketID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT t.id FROM tasks t JOIN callfiles c ON c.id=t.callfile_id
WHERE t.bucket_id=? AND c.active=1 AND c.approved=1 AND t.state IN ('ASSIGNED','STARTED')
ORDER BY t.ord ASC, t.id ASC`), bucketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type TaskFilters struct {
	BucketID        string
	CallfileID      string
	State           string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListTasks lists tasks regardless of callfile gating, newest first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.BucketID != "" {
		clauses = append(clauses, "bucket_id=?")
		args = append(args, f.BucketID)
	}
	if f.CallfileID != "" {
		clauses = append(clauses, "callfile_id=?")
		args = append(args, f.CallfileID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// Transition is a compare-and-swap on task state.
type Transition struct {
	TaskID  string
	From    domain.TaskState
	To      domain.TaskState
	ScopeID string
	At      string
}

// SetState moves a task from t.From to t.To only if it is still in t.From.
// A lost race yields a StateConflict carrying the observed state.
func (r Repo) SetState(ctx context.Context, tx *sql.Tx, t Transition) (domain.Task, error) {
	var (
		res sql.Result
		err error
	)
	switch t.To {
	case domain.TaskStarted:
		res, err = tx.ExecContext(ctx, r.q(`UPDATE tasks SET state=?, started_scope=?, started_at=?, updated_at=? WHERE id=? AND state=?`),
			string(t.To), nullable(t.ScopeID), t.At, t.At, t.TaskID, string(t.From))
	case domain.TaskFinished:
		res, err = tx.ExecContext(ctx, r.q(`UPDATE tasks SET state=?, finished_at=?, updated_at=? WHERE id=? AND state=?`),
			string(t.To), t.At, t.At, t.TaskID, string(t.From))
	default:
		res, err = tx.ExecContext(ctx, r.q(`UPDATE tasks SET state=?, updated_at=? WHERE id=? AND state=?`),
			string(t.To), t.At, t.TaskID, string(t.From))
	}
	if err != nil {
		return domain.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	cur, getErr := r.GetTaskTx(ctx, tx, t.TaskID)
	if getErr != nil {
		return domain.Task{}, getErr
	}
	if n == 0 {
		return cur, StateConflictError(cur, t.From)
	}
	return cur, nil
}

// StateConflictError describes a task that was not in the expected state.
func StateConflictError(cur domain.Task, expected domain.TaskState) error {
	return apperr.StateConflict(fmt.Sprintf("task %s is %s, expected %s", cur.ID, cur.State, expected)).
		WithDetail("task_id", cur.ID).
		WithDetail("state", string(cur.State)).
		WithDetail("expected", string(expected))
}

// AssignTx moves an UNASSIGNED task to ASSIGNED, appending it to the end of the
// bucket's order. Returns false when the task was no longer UNASSIGNED.
func (r Repo) AssignTx(ctx context.Context, tx *sql.Tx, taskID, bucketID, assigneeID, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET state='ASSIGNED', assignee_id=?, updated_at=?,
ord=(SELECT COALESCE(MAX(o.ord),0)+1 FROM tasks o WHERE o.bucket_id=? AND o.state IN ('ASSIGNED','STARTED'))
WHERE id=? AND state='UNASSIGNED'`), assigneeID, at, bucketID, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendCallfileTx re-stamps the open tasks of a callfile after the highest
// order held by the bucket's other workable tasks, keeping their relative order.
// Used when a hidden callfile becomes workable again.
func (r Repo) AppendCallfileTx(ctx context.Context, tx *sql.Tx, bucketID, callfileID, at string) (int, error) {
	var top int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(t.ord),0) FROM tasks t JOIN callfiles c ON c.id=t.callfile_id
WHERE t.bucket_id=? AND c.active=1 AND c.approved=1 AND t.state IN ('ASSIGNED','STARTED') AND t.callfile_id<>?`),
		bucketID, callfileID).Scan(&top); err != nil {
		return 0, err
	}
	rows, err := tx.QueryContext(ctx, r.q(`SELECT id FROM tasks WHERE callfile_id=? AND state IN ('ASSIGNED','STARTED') ORDER BY ord ASC, id ASC`), callfileID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET ord=?, updated_at=? WHERE id=?`), top+i+1, at, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// LockBucketTx serializes order writes within a bucket. Postgres takes a row
// lock on the bucket; SQLite write transactions already hold the database lock.
func (r Repo) LockBucketTx(ctx context.Context, tx *sql.Tx, bucketID string) error {
	if r.Dialect != db.Postgres {
		return nil
	}
	var id string
	err := tx.QueryRowContext(ctx, r.q(`SELECT id FROM buckets WHERE id=? FOR UPDATE`), bucketID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// SetOrderTx writes one reorder pair. The write only lands while the task is
// still part of the bucket's order domain.
func (r Repo) SetOrderTx(ctx context.Context, tx *sql.Tx, bucketID, taskID string, order int, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET ord=?, updated_at=? WHERE id=? AND bucket_id=? AND state IN ('ASSIGNED','STARTED')`),
		order, at, taskID, bucketID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountTasksByState(ctx context.Context, bucketID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT state, count(*) FROM tasks WHERE bucket_id=? GROUP BY state`), bucketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// TasksByIDs loads the given tasks keyed by id; missing ids are absent.
func (r Repo) TasksByIDs(ctx context.Context, ids []string) (map[string]domain.Task, error) {
	res := make(map[string]domain.Task, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return nil, err
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		res[t.ID] = t
	}
	return res, nil
}
