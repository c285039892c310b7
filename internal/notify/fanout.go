// Package notify records assignment notifications and optionally mirrors them
// into Redis streams. Consumers poll; nothing is pushed to devices.
package notify

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"fieldline/internal/apperr"
	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

const maxListLimit = 200

type Fanout struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (f Fanout) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Emit appends n. When tx is non-nil the row commits with the caller's
// transaction, otherwise it is durable on return.
func (f Fanout) Emit(ctx context.Context, tx *sql.Tx, n domain.Notification) (domain.Notification, error) {
	n.Kind = strings.TrimSpace(n.Kind)
	if n.Kind == "" {
		return domain.Notification{}, apperr.Validation("notification kind is required")
	}
	if strings.TrimSpace(n.ActorID) == "" {
		return domain.Notification{}, apperr.Validation("notification actor is required")
	}
	if n.Count < 0 {
		return domain.Notification{}, apperr.Validation("notification count must not be negative")
	}
	if n.CreatedAt == "" {
		n.CreatedAt = f.now().UTC().Format(time.RFC3339)
	}
	var (
		id  int64
		err error
	)
	if tx != nil {
		id, err = f.Repo.InsertNotification(ctx, tx, n)
	} else {
		id, err = f.Repo.InsertNotification(ctx, f.Repo.DB, n)
	}
	if err != nil {
		return domain.Notification{}, apperr.Internal("append notification", err)
	}
	n.ID = id
	return n, nil
}

// Filter selects notifications. AssigneeID serves the agent view and
// BucketID the supervisor view; Cursor is the id of the last item already seen.
type Filter struct {
	Kind       string
	AssigneeID string
	BucketID   string
	Limit      int
	Cursor     int64
}

type Page struct {
	Items      []domain.Notification `json:"items"`
	NextCursor int64                 `json:"next_cursor,omitempty"`
}

// List pages notifications newest first.
func (f Fanout) List(ctx context.Context, filter Filter) (Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	items, err := f.Repo.ListNotifications(ctx, repo.NotificationFilters{
		Kind:       filter.Kind,
		AssigneeID: filter.AssigneeID,
		BucketID:   filter.BucketID,
		Limit:      limit + 1,
		Before:     filter.Cursor,
	})
	if err != nil {
		return Page{}, err
	}
	var page Page
	if len(items) > limit {
		items = items[:limit]
		page.NextCursor = items[len(items)-1].ID
	}
	if items == nil {
		items = []domain.Notification{}
	}
	page.Items = items
	return page, nil
}
