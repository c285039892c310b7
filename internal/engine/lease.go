package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fieldline/internal/apperr"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

// AcquireLease grants scope the execution lease on taskID. Holding the lease
// on the same task already is a successful no-op.
func (e Engine) AcquireLease(ctx context.Context, scope domain.Scope, taskID string) (domain.Lease, error) {
	if err := validScope(scope); err != nil {
		return domain.Lease{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	lease, _, err := e.acquireTx(ctx, tx, scope, taskID)
	if err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, storeErr("commit", err)
	}
	return lease, nil
}

// acquireTx reports whether a new lease row was written.
func (e Engine) acquireTx(ctx context.Context, tx *sql.Tx, scope domain.Scope, taskID string) (domain.Lease, bool, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Lease{}, false, storeErr("task "+taskID, err)
	}

	held, err := e.Repo.GetLeaseByScopeTx(ctx, tx, scope.ID)
	switch {
	case err == nil && held.TaskID == taskID:
		return held, false, nil
	case err == nil:
		other, oerr := e.Repo.GetTaskTx(ctx, tx, held.TaskID)
		if oerr != nil && !errors.Is(oerr, repo.ErrNotFound) {
			return domain.Lease{}, false, storeErr("task "+held.TaskID, oerr)
		}
		if oerr == nil && other.State != domain.TaskFinished {
			return domain.Lease{}, false, apperr.LeaseConflict("scope "+scope.ID+" already works task "+held.TaskID).
				WithDetail("scope_id", scope.ID).
				WithDetail("held_task_id", held.TaskID)
		}
		// The held task is finished; only the lease delete was lost.
		if _, err := e.Repo.DeleteLeaseByScope(ctx, tx, scope.ID); err != nil {
			return domain.Lease{}, false, storeErr("clear stale lease", err)
		}
		if err := e.appendEvent(ctx, tx, events.LeaseReleased, "lease", held.TaskID, scope.AgentID, events.EventPayload{
			"scope_id": scope.ID, "reason": "stale",
		}); err != nil {
			return domain.Lease{}, false, err
		}
		e.log(ctx).Warn("cleared stale lease", "scope_id", scope.ID, "task_id", held.TaskID)
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Lease{}, false, storeErr("lease for scope "+scope.ID, err)
	}

	owner, err := e.Repo.GetLeaseByTaskTx(ctx, tx, taskID)
	if err == nil && owner.ScopeID != scope.ID {
		return domain.Lease{}, false, apperr.LeaseConflict("task "+taskID+" is being worked by another scope").
			WithDetail("task_id", taskID)
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, false, storeErr("lease for task "+taskID, err)
	}

	switch {
	case t.State == domain.TaskAssigned:
	case t.StartedBy(scope.ID):
	case t.State == domain.TaskStarted:
		return domain.Lease{}, false, apperr.LeaseConflict("task "+taskID+" was started by another scope").
			WithDetail("task_id", taskID)
	default:
		return domain.Lease{}, false, repo.StateConflictError(t, domain.TaskAssigned)
	}
	if !t.AssignedTo(scope.AgentID) {
		return domain.Lease{}, false, apperr.Forbidden("task " + taskID + " is not assigned to " + scope.AgentID)
	}

	lease := domain.Lease{ScopeID: scope.ID, TaskID: taskID, AgentID: scope.AgentID, AcquiredAt: e.stamp()}
	if err := e.Repo.InsertLease(ctx, tx, lease); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.Lease{}, false, apperr.LeaseConflict("lease for task " + taskID + " was taken concurrently")
		}
		return domain.Lease{}, false, storeErr("insert lease", err)
	}
	if err := e.appendEvent(ctx, tx, events.LeaseAcquired, "lease", taskID, scope.AgentID, events.EventPayload{"scope_id": scope.ID}); err != nil {
		return domain.Lease{}, false, err
	}
	return lease, true, nil
}

// ReleaseLease drops whatever scopeID holds. Task state is left as is, so an
// abandoned STARTED task can be continued by the same scope. Releasing an idle
// scope reports false.
func (e Engine) ReleaseLease(ctx context.Context, scopeID, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin", err)
	}
	defer tx.Rollback()
	held, err := e.Repo.GetLeaseByScopeTx(ctx, tx, scopeID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("lease for scope "+scopeID, err)
	}
	if _, err := e.Repo.DeleteLeaseByScope(ctx, tx, scopeID); err != nil {
		return false, storeErr("delete lease", err)
	}
	if err := e.appendEvent(ctx, tx, events.LeaseReleased, "lease", held.TaskID, actorID, events.EventPayload{"scope_id": scopeID}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr("commit", err)
	}
	return true, nil
}

// GetLease returns the lease scopeID currently holds.
func (e Engine) GetLease(ctx context.Context, scopeID string) (domain.Lease, error) {
	l, err := e.Repo.GetLease(ctx, scopeID)
	if err != nil {
		return domain.Lease{}, storeErr("lease for scope "+scopeID, err)
	}
	return l, nil
}

// ExpireLeases releases every lease acquired more than olderThan ago. It is an
// operator tool; nothing calls it on a schedule.
func (e Engine) ExpireLeases(ctx context.Context, olderThan time.Duration, actorID string) ([]domain.Lease, error) {
	if olderThan <= 0 {
		return nil, apperr.Validation("expiry age must be positive")
	}
	cutoff := e.now().UTC().Add(-olderThan).Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback()
	stale, err := e.Repo.LeasesOlderThanTx(ctx, tx, cutoff)
	if err != nil {
		return nil, storeErr("list leases", err)
	}
	for _, l := range stale {
		if _, err := e.Repo.DeleteLeaseForTask(ctx, tx, l.ScopeID, l.TaskID); err != nil {
			return nil, storeErr("expire lease", err)
		}
		if err := e.appendEvent(ctx, tx, events.LeaseExpired, "lease", l.TaskID, actorID, events.EventPayload{
			"scope_id": l.ScopeID, "acquired_at": l.AcquiredAt,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	if len(stale) > 0 {
		e.log(ctx).Info("expired leases", "count", len(stale), "cutoff", cutoff)
	}
	return stale, nil
}
