package engine

import (
	"context"
	"fmt"
	"strings"

	"fieldline/internal/apperr"
	"fieldline/internal/domain"
	"fieldline/internal/events"
)

type AssignRequest struct {
	TaskIDs    []string
	AssigneeID string
	AssignerID string
	// BucketID, when set, restricts the batch to one bucket.
	BucketID string
}

type AssignmentResult struct {
	Assigned     []string             `json:"assigned"`
	Skipped      []string             `json:"skipped"`
	FailedAt     *string              `json:"failed_at,omitempty"`
	Attempted    int                  `json:"attempted"`
	Notification *domain.Notification `json:"notification,omitempty"`
}

// Assign hands a batch of UNASSIGNED tasks to one agent. Tasks are processed in
// order; already assigned tasks are skipped and the first failure stops the
// batch. One notification carrying the batch size is stored either way.
func (e Engine) Assign(ctx context.Context, req AssignRequest) (AssignmentResult, error) {
	res := AssignmentResult{Assigned: []string{}, Skipped: []string{}, Attempted: len(req.TaskIDs)}
	if len(req.TaskIDs) == 0 {
		return res, apperr.Validation("no tasks to assign")
	}
	assignee, err := e.Repo.GetAgent(ctx, req.AssigneeID)
	if err != nil {
		return res, storeErr("assignee "+req.AssigneeID, err)
	}
	assigner, err := e.Repo.GetAgent(ctx, req.AssignerID)
	if err != nil {
		return res, storeErr("assigner "+req.AssignerID, err)
	}
	if assignee.Role == assigner.Role {
		return res, apperr.Forbidden(fmt.Sprintf("a %s cannot assign tasks to another %s", assigner.Role, assignee.Role)).
			WithDetail("role", assigner.Role)
	}

	bucketID := strings.TrimSpace(req.BucketID)
	var failure error
	for _, id := range req.TaskIDs {
		skipped, bucket, err := e.assignOne(ctx, id, req, assignee.ID)
		if bucketID == "" && bucket != "" {
			bucketID = bucket
		}
		if err != nil {
			failed := id
			res.FailedAt = &failed
			failure = err
			break
		}
		if skipped {
			res.Skipped = append(res.Skipped, id)
		} else {
			res.Assigned = append(res.Assigned, id)
		}
	}

	n, nerr := e.Notify.Emit(ctx, nil, domain.Notification{
		ActorID:    assigner.ID,
		AssigneeID: &assignee.ID,
		BucketID:   optionalString(bucketID),
		Count:      len(req.TaskIDs),
		Kind:       domain.NotificationAssignment,
		CreatedAt:  e.stamp(),
	})
	if nerr != nil {
		e.log(ctx).DatabaseError("emit assignment notification", nerr)
	} else {
		res.Notification = &n
	}

	if failure != nil {
		e.log(ctx).Warn("assignment batch stopped", "failed_at", *res.FailedAt, "assigned", len(res.Assigned), "error", failure)
		return res, apperr.Wrap(apperr.KindPartialBatch, fmt.Sprintf("assignment stopped at task %s after %d of %d", *res.FailedAt, len(res.Assigned)+len(res.Skipped), len(req.TaskIDs)), failure).
			WithDetail("assigned", res.Assigned).
			WithDetail("skipped", res.Skipped).
			WithDetail("failed_at", *res.FailedAt).
			WithDetail("attempted", res.Attempted)
	}
	if nerr != nil {
		return res, nerr
	}
	return res, nil
}

// assignOne returns the task's bucket so the notification can be scoped when
// the request did not name one.
func (e Engine) assignOne(ctx context.Context, taskID string, req AssignRequest, assigneeID string) (bool, string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, "", storeErr("begin", err)
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, "", storeErr("task "+taskID, err)
	}
	if req.BucketID != "" && t.BucketID != req.BucketID {
		return false, t.BucketID, apperr.Validation("task " + taskID + " is not in bucket " + req.BucketID)
	}
	if t.State != domain.TaskUnassigned {
		return true, t.BucketID, nil
	}
	cf, err := e.Repo.GetCallfileTx(ctx, tx, t.CallfileID)
	if err != nil {
		return false, t.BucketID, storeErr("callfile "+t.CallfileID, err)
	}
	if !cf.Workable() {
		return false, t.BucketID, apperr.StateConflict("callfile " + cf.ID + " is not active and approved").WithDetail("task_id", taskID)
	}
	if err := e.Repo.LockBucketTx(ctx, tx, t.BucketID); err != nil {
		return false, t.BucketID, storeErr("lock bucket "+t.BucketID, err)
	}
	ok, err := e.Repo.AssignTx(ctx, tx, taskID, t.BucketID, assigneeID, e.stamp())
	if err != nil {
		return false, t.BucketID, storeErr("assign task", err)
	}
	if !ok {
		cur, _ := e.Repo.GetTaskTx(ctx, tx, taskID)
		return false, t.BucketID, apperr.StateConflict("task " + taskID + " changed while assigning").
			WithDetail("task_id", taskID).WithDetail("state", string(cur.State))
	}
	if err := e.appendEvent(ctx, tx, events.TaskAssigned, "task", taskID, req.AssignerID, events.EventPayload{
		"assignee_id": assigneeID, "bucket_id": t.BucketID,
	}); err != nil {
		return false, t.BucketID, err
	}
	if err := tx.Commit(); err != nil {
		return false, t.BucketID, storeErr("commit", err)
	}
	return false, t.BucketID, nil
}
