package engine

import (
	"context"
	"fmt"
	"strings"

	"fieldline/internal/apperr"
	"fieldline/internal/events"
)

type ReorderRequest struct {
	BucketID string
	TaskIDs  []string
	// Filter is the text filter active in the caller's view. A filtered view
	// is not the whole order domain, so reordering it is refused.
	Filter  string
	ActorID string
}

type BatchResult struct {
	Succeeded []string `json:"succeeded"`
	FailedAt  *string  `json:"failed_at,omitempty"`
	Attempted int      `json:"attempted"`
}

// Reorder re-stamps the bucket's ASSIGNED/STARTED tasks with order 1..N in the
// submitted sequence. Pairs are written one by one; on the first failed write
// the batch stops and the caller must refetch ListWorkable.
func (e Engine) Reorder(ctx context.Context, req ReorderRequest) (BatchResult, error) {
	res := BatchResult{Succeeded: []string{}, Attempted: len(req.TaskIDs)}
	if strings.TrimSpace(req.Filter) != "" {
		return res, apperr.Validation("reordering is disabled while a filter is active").WithDetail("filter", req.Filter)
	}
	if _, err := e.Repo.GetBucket(ctx, req.BucketID); err != nil {
		return res, storeErr("bucket "+req.BucketID, err)
	}
	seen := make(map[string]bool, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if seen[id] {
			return res, apperr.Validation("task " + id + " appears twice").WithDetail("task_id", id)
		}
		seen[id] = true
	}

	if err := e.checkOrderDomain(ctx, req.BucketID, seen); err != nil {
		return res, err
	}

	for i, id := range req.TaskIDs {
		if err := e.writeOrder(ctx, req, id, i+1); err != nil {
			failed := id
			res.FailedAt = &failed
			e.log(ctx).Warn("reorder stopped", "bucket_id", req.BucketID, "failed_at", id, "succeeded", len(res.Succeeded))
			return res, apperr.Wrap(apperr.KindPartialBatch, fmt.Sprintf("reorder stopped at task %s after %d of %d", id, len(res.Succeeded), len(req.TaskIDs)), err).
				WithDetail("succeeded", res.Succeeded).
				WithDetail("failed_at", id).
				WithDetail("attempted", res.Attempted)
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res, nil
}

// checkOrderDomain requires the submission to be exactly the bucket's current
// set of workable ASSIGNED/STARTED tasks.
func (e Engine) checkOrderDomain(ctx context.Context, bucketID string, submitted map[string]bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()
	current, err := e.Repo.OrderDomainTx(ctx, tx, bucketID)
	if err != nil {
		return storeErr("order domain", err)
	}
	var missing, extra []string
	inDomain := make(map[string]bool, len(current))
	for _, id := range current {
		inDomain[id] = true
		if !submitted[id] {
			missing = append(missing, id)
		}
	}
	for id := range submitted {
		if !inDomain[id] {
			extra = append(extra, id)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		err := apperr.StateConflict("submitted order does not match the bucket's current tasks; refetch and retry")
		if len(missing) > 0 {
			err = err.WithDetail("missing", missing)
		}
		if len(extra) > 0 {
			err = err.WithDetail("unexpected", extra)
		}
		return err
	}
	return tx.Commit()
}

func (e Engine) writeOrder(ctx context.Context, req ReorderRequest, taskID string, order int) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.LockBucketTx(ctx, tx, req.BucketID); err != nil {
		return storeErr("lock bucket "+req.BucketID, err)
	}
	ok, err := e.Repo.SetOrderTx(ctx, tx, req.BucketID, taskID, order, e.stamp())
	if err != nil {
		return storeErr("write order", err)
	}
	if !ok {
		return apperr.StateConflict("task " + taskID + " left the order domain").WithDetail("task_id", taskID)
	}
	if err := e.appendEvent(ctx, tx, events.TaskReordered, "task", taskID, req.ActorID, events.EventPayload{
		"bucket_id": req.BucketID, "order": order,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}
