package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"fieldline/internal/apperr"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/gate"
	"fieldline/internal/repo"
)

// Start acquires the lease and moves the task ASSIGNED -> STARTED. Starting a
// task this scope already started returns it unchanged.
func (e Engine) Start(ctx context.Context, scope domain.Scope, taskID string) (domain.Task, error) {
	if err := validScope(scope); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, storeErr("begin", err)
	}
	defer tx.Rollback()

	lease, acquired, err := e.acquireTx(ctx, tx, scope, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.SetState(ctx, tx, repo.Transition{
		TaskID:  taskID,
		From:    domain.TaskAssigned,
		To:      domain.TaskStarted,
		ScopeID: scope.ID,
		At:      lease.AcquiredAt,
	})
	if err != nil {
		if apperr.Is(err, apperr.KindStateConflict) && t.StartedBy(scope.ID) {
			// Continue: keep a lease re-acquired after an abandon.
			if acquired {
				if err := tx.Commit(); err != nil {
					return domain.Task{}, storeErr("commit", err)
				}
			}
			return t, nil
		}
		return domain.Task{}, storeErr("start task", err)
	}
	if err := e.appendEvent(ctx, tx, events.TaskStarted, "task", t.ID, scope.AgentID, events.EventPayload{
		"scope_id": scope.ID, "bucket_id": t.BucketID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, storeErr("commit", err)
	}
	return t, nil
}

type FinishResult struct {
	Task        domain.Task        `json:"task"`
	Disposition domain.Disposition `json:"disposition"`
	// Resumed is set when an earlier attempt had already stored the disposition.
	Resumed bool `json:"resumed"`
}

// Finish records the disposition and closes the task in two phases. If the
// second phase is lost the task stays STARTED with its disposition stored, and
// the next Finish call completes it without writing another record.
func (e Engine) Finish(ctx context.Context, scope domain.Scope, taskID string, in domain.DispositionInput) (FinishResult, error) {
	if err := validScope(scope); err != nil {
		return FinishResult{}, err
	}
	d, err := e.prepareDisposition(ctx, scope, taskID, in)
	if err != nil {
		return FinishResult{}, err
	}

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return FinishResult{}, storeErr("task "+taskID, err)
	}
	switch {
	case t.State == domain.TaskFinished:
		return FinishResult{}, apperr.StateConflict("task " + taskID + " is already finished").
			WithDetail("task_id", taskID).WithDetail("state", string(t.State))
	case t.State == domain.TaskStarted && !t.StartedBy(scope.ID):
		return FinishResult{}, apperr.LeaseConflict("task " + taskID + " was started by another scope").WithDetail("task_id", taskID)
	case !t.StartedBy(scope.ID):
		return FinishResult{}, repo.StateConflictError(t, domain.TaskStarted)
	}
	held, err := e.Repo.GetLease(ctx, scope.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return FinishResult{}, storeErr("lease for scope "+scope.ID, err)
	}
	if err != nil || held.TaskID != taskID {
		return FinishResult{}, apperr.LeaseConflict("scope " + scope.ID + " does not hold the lease on task " + taskID + "; start it again to continue").
			WithDetail("task_id", taskID)
	}

	stored, resumed, err := e.recordDisposition(ctx, d)
	if err != nil {
		return FinishResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return FinishResult{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	t, err = e.Repo.SetState(ctx, tx, repo.Transition{
		TaskID: taskID,
		From:   domain.TaskStarted,
		To:     domain.TaskFinished,
		At:     e.stamp(),
	})
	if err != nil {
		return FinishResult{}, storeErr("finish task", err)
	}
	if _, err := e.Repo.DeleteLeaseForTask(ctx, tx, scope.ID, taskID); err != nil {
		return FinishResult{}, storeErr("release lease", err)
	}
	if err := e.appendEvent(ctx, tx, events.TaskFinished, "task", taskID, scope.AgentID, events.EventPayload{
		"scope_id": scope.ID, "disposition_id": stored.ID, "code": stored.Code, "resumed": resumed,
	}); err != nil {
		return FinishResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return FinishResult{}, storeErr("commit", err)
	}
	return FinishResult{Task: t, Disposition: stored, Resumed: resumed}, nil
}

// prepareDisposition runs the gate and the catalog checks; nothing is written.
func (e Engine) prepareDisposition(ctx context.Context, scope domain.Scope, taskID string, in domain.DispositionInput) (domain.Disposition, error) {
	if violations := e.Gate.Check(in.Code, in.Fields()); len(violations) > 0 {
		return domain.Disposition{}, apperr.Validation("disposition is incomplete").
			WithDetail("violations", violations).
			WithDetail("required", e.Gate.RequiredFields(in.Code, in.Fields()))
	}
	code := strings.ToUpper(strings.TrimSpace(in.Code))
	dt, err := e.Repo.GetDispositionType(ctx, code)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Disposition{}, apperr.Validation("unknown disposition code " + code).WithDetail("code", code)
	}
	if err != nil {
		return domain.Disposition{}, storeErr("disposition type "+code, err)
	}
	if !dt.FieldCapable {
		return domain.Disposition{}, apperr.Validation("disposition " + code + " cannot be recorded from the field").WithDetail("code", code)
	}
	d := domain.Disposition{
		ID:               uuid.NewString(),
		TaskID:           taskID,
		AgentID:          scope.AgentID,
		ScopeID:          scope.ID,
		Code:             code,
		PaymentMethod:    optionalString(strings.ToUpper(in.PaymentMethod)),
		PaymentType:      optionalString(in.PaymentType),
		PaymentDate:      optionalString(in.PaymentDate),
		Reference:        optionalString(in.Reference),
		ReasonNonPayment: optionalString(in.ReasonNonPayment),
		SourceOfFunds:    optionalString(in.SourceOfFunds),
		Comment:          strings.TrimSpace(in.Comment),
		CreatedAt:        e.stamp(),
	}
	if strings.TrimSpace(in.Amount) != "" {
		cents, err := gate.ParseAmount(in.Amount)
		if err != nil {
			return domain.Disposition{}, apperr.Validation(err.Error()).WithDetail("field", "amount")
		}
		d.Amount = &cents
	}
	return d, nil
}

// recordDisposition is phase one. An existing record for the task is reused.
func (e Engine) recordDisposition(ctx context.Context, d domain.Disposition) (domain.Disposition, bool, error) {
	existing, err := e.Repo.GetDispositionByTask(ctx, d.TaskID)
	if err == nil {
		e.log(ctx).Info("resuming finish with stored disposition", "task_id", d.TaskID, "disposition_id", existing.ID)
		return existing, true, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Disposition{}, false, storeErr("disposition for task "+d.TaskID, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Disposition{}, false, storeErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDisposition(ctx, tx, d); err != nil {
		if db.IsUniqueViolation(err) {
			_ = tx.Rollback()
			existing, gerr := e.Repo.GetDispositionByTask(ctx, d.TaskID)
			if gerr != nil {
				return domain.Disposition{}, false, storeErr("disposition for task "+d.TaskID, gerr)
			}
			return existing, true, nil
		}
		return domain.Disposition{}, false, storeErr("insert disposition", err)
	}
	if err := e.appendEvent(ctx, tx, events.DispositionSave, "disposition", d.ID, d.AgentID, events.EventPayload{
		"task_id": d.TaskID, "code": d.Code,
	}); err != nil {
		return domain.Disposition{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Disposition{}, false, storeErr("commit", err)
	}
	return d, false, nil
}

// Abandon releases the scope's lease without touching the task.
func (e Engine) Abandon(ctx context.Context, scope domain.Scope) (bool, error) {
	if err := validScope(scope); err != nil {
		return false, err
	}
	return e.ReleaseLease(ctx, scope.ID, scope.AgentID)
}

// PendingFinish returns the stored disposition of a task that is still STARTED,
// meaning a previous finish stopped between its two phases.
func (e Engine) PendingFinish(ctx context.Context, taskID string) (domain.Disposition, bool, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Disposition{}, false, storeErr("task "+taskID, err)
	}
	if t.State != domain.TaskStarted {
		return domain.Disposition{}, false, nil
	}
	d, err := e.Repo.GetDispositionByTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Disposition{}, false, nil
	}
	if err != nil {
		return domain.Disposition{}, false, storeErr("disposition for task "+taskID, err)
	}
	return d, true, nil
}

// CheckDisposition evaluates a draft form without side effects.
func (e Engine) CheckDisposition(in domain.DispositionInput) ([]gate.Violation, []string) {
	fields := in.Fields()
	return e.Gate.Check(in.Code, fields), e.Gate.RequiredFields(in.Code, fields)
}
