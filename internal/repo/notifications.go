package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/db"
	"fieldline/internal/domain"
)

const notificationColumns = `id,actor_id,assignee_id,bucket_id,count,kind,created_at`

// InsertNotification stores n and returns its id.
func (r Repo) InsertNotification(ctx context.Context, q querier, n domain.Notification) (int64, error) {
	args := []any{n.ActorID, nullableStringPtr(n.AssigneeID), nullableStringPtr(n.BucketID), n.Count, n.Kind, n.CreatedAt}
	query := `INSERT INTO notifications(actor_id,assignee_id,bucket_id,count,kind,created_at) VALUES (?,?,?,?,?,?)`
	if r.Dialect == db.Postgres {
		var id int64
		if err := q.QueryRowContext(ctx, r.q(query+` RETURNING id`), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type NotificationFilters struct {
	Kind       string
	AssigneeID string
	BucketID   string
	Limit      int
	// Before pages backwards from a notification id.
	Before int64
}

func scanNotifications(rows *sql.Rows) ([]domain.Notification, error) {
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var assignee, bucket sql.NullString
		if err := rows.Scan(&n.ID, &n.ActorID, &assignee, &bucket, &n.Count, &n.Kind, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.AssigneeID = stringPtr(assignee)
		n.BucketID = stringPtr(bucket)
		res = append(res, n)
	}
	return res, rows.Err()
}

// ListNotifications returns matching notifications newest first.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.BucketID != "" {
		clauses = append(clauses, "bucket_id=?")
		args = append(args, f.BucketID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// NotificationsAfter returns notifications with ids above cursor, oldest first.
func (r Repo) NotificationsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+notificationColumns+` FROM notifications WHERE id>? ORDER BY id ASC LIMIT ?`), cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}
