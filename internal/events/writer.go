// Package events keeps the audit trail of task mutations. Entries are written
// inside the mutating transaction so the log never disagrees with the tasks table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fieldline/internal/db"
)

// Event types.
const (
	TaskCreated     = "task.created"
	TaskAssigned    = "task.assigned"
	TaskStarted     = "task.started"
	TaskFinished    = "task.finished"
	TaskReordered   = "task.reordered"
	LeaseAcquired   = "lease.acquired"
	LeaseReleased   = "lease.released"
	LeaseExpired    = "lease.expired"
	DispositionSave = "disposition.recorded"
	CallfileUpdated = "callfile.updated"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
