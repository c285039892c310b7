package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"fieldline/internal/apperr"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/events"
)

func (e Engine) CreateBucket(ctx context.Context, id, name, actorID string) (domain.Bucket, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Bucket{}, apperr.Validation("bucket name is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	b := domain.Bucket{ID: id, Name: name, CreatedAt: e.stamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bucket{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBucket(ctx, tx, b); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.Bucket{}, apperr.StateConflict("bucket " + id + " already exists")
		}
		return domain.Bucket{}, storeErr("insert bucket", err)
	}
	if err := e.appendEvent(ctx, tx, "bucket.created", "bucket", b.ID, actorID, events.EventPayload{"name": b.Name}); err != nil {
		return domain.Bucket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bucket{}, storeErr("commit", err)
	}
	return b, nil
}

type CallfileCreateOptions struct {
	ID       string
	BucketID string
	Name     string
	Active   bool
	Approved bool
	ActorID  string
}

func (e Engine) CreateCallfile(ctx context.Context, opts CallfileCreateOptions) (domain.Callfile, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Callfile{}, apperr.Validation("callfile name is required")
	}
	if _, err := e.Repo.GetBucket(ctx, opts.BucketID); err != nil {
		return domain.Callfile{}, storeErr("bucket "+opts.BucketID, err)
	}
	c := domain.Callfile{
		ID:        opts.ID,
		BucketID:  opts.BucketID,
		Name:      strings.TrimSpace(opts.Name),
		Active:    opts.Active,
		Approved:  opts.Approved,
		CreatedAt: e.stamp(),
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Callfile{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCallfile(ctx, tx, c); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.Callfile{}, apperr.StateConflict("callfile " + c.ID + " already exists")
		}
		return domain.Callfile{}, storeErr("insert callfile", err)
	}
	if err := e.appendEvent(ctx, tx, "callfile.created", "callfile", c.ID, opts.ActorID, events.EventPayload{
		"bucket_id": c.BucketID, "active": c.Active, "approved": c.Approved,
	}); err != nil {
		return domain.Callfile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Callfile{}, storeErr("commit", err)
	}
	return c, nil
}

// SetCallfileFlags toggles the workable gate of a callfile. Tasks keep their
// state; they only drop out of (or return to) the workable listings.
func (e Engine) SetCallfileFlags(ctx context.Context, id string, active, approved bool, actorID string) (domain.Callfile, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Callfile{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	before, err := e.Repo.GetCallfileTx(ctx, tx, id)
	if err != nil {
		return domain.Callfile{}, storeErr("callfile "+id, err)
	}
	if err := e.Repo.SetCallfileFlags(ctx, tx, id, active, approved); err != nil {
		return domain.Callfile{}, storeErr("callfile "+id, err)
	}
	c, err := e.Repo.GetCallfileTx(ctx, tx, id)
	if err != nil {
		return domain.Callfile{}, storeErr("callfile "+id, err)
	}
	payload := events.EventPayload{"active": active, "approved": approved}
	if !before.Workable() && c.Workable() {
		// Orders were re-stamped without these tasks while they were hidden.
		if err := e.Repo.LockBucketTx(ctx, tx, c.BucketID); err != nil {
			return domain.Callfile{}, storeErr("lock bucket "+c.BucketID, err)
		}
		n, err := e.Repo.AppendCallfileTx(ctx, tx, c.BucketID, c.ID, e.stamp())
		if err != nil {
			return domain.Callfile{}, storeErr("append callfile tasks", err)
		}
		payload["reappended"] = n
	}
	if err := e.appendEvent(ctx, tx, events.CallfileUpdated, "callfile", id, actorID, payload); err != nil {
		return domain.Callfile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Callfile{}, storeErr("commit", err)
	}
	return c, nil
}

func (e Engine) UpsertAgent(ctx context.Context, a domain.Agent, actorID string) (domain.Agent, error) {
	a.ID = strings.TrimSpace(a.ID)
	a.Name = strings.TrimSpace(a.Name)
	if a.ID == "" {
		return domain.Agent{}, apperr.Validation("agent id is required")
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if !domain.ValidRole(a.Role) {
		return domain.Agent{}, apperr.Validation("unknown role " + a.Role).WithDetail("role", a.Role)
	}
	if a.CreatedAt == "" {
		a.CreatedAt = e.stamp()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, storeErr("upsert agent", err)
	}
	if err := e.appendEvent(ctx, tx, "agent.upserted", "agent", a.ID, actorID, events.EventPayload{"role": a.Role}); err != nil {
		return domain.Agent{}, err
	}
	stored, err := e.Repo.GetAgentTx(ctx, tx, a.ID)
	if err != nil {
		return domain.Agent{}, storeErr("agent "+a.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, storeErr("commit", err)
	}
	return stored, nil
}

// TaskCreateOptions describe an account entering field collection.
type TaskCreateOptions struct {
	ID           string
	CallfileID   string
	AccountRef   string
	CustomerName string
	Balance      int64
	ActorID      string
}

// CreateTask projects an account into an UNASSIGNED task of the callfile's bucket.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.AccountRef) == "" {
		return domain.Task{}, apperr.Validation("account reference is required")
	}
	if opts.Balance < 0 {
		return domain.Task{}, apperr.Validation("balance must not be negative")
	}
	cf, err := e.Repo.GetCallfile(ctx, opts.CallfileID)
	if err != nil {
		return domain.Task{}, storeErr("callfile "+opts.CallfileID, err)
	}
	now := e.stamp()
	t := domain.Task{
		ID:           opts.ID,
		BucketID:     cf.BucketID,
		CallfileID:   cf.ID,
		AccountRef:   strings.TrimSpace(opts.AccountRef),
		CustomerName: strings.TrimSpace(opts.CustomerName),
		Balance:      opts.Balance,
		State:        domain.TaskUnassigned,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.Task{}, apperr.StateConflict("account " + t.AccountRef + " is already in field mode for callfile " + cf.ID).
				WithDetail("account_ref", t.AccountRef)
		}
		return domain.Task{}, storeErr("insert task", err)
	}
	if err := e.appendEvent(ctx, tx, events.TaskCreated, "task", t.ID, opts.ActorID, events.EventPayload{
		"bucket_id": t.BucketID, "callfile_id": t.CallfileID, "account_ref": t.AccountRef, "balance": t.Balance,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, storeErr("commit", err)
	}
	return t, nil
}

// SyncDispositionCatalog upserts the configured disposition types.
func (e Engine) SyncDispositionCatalog(ctx context.Context) ([]domain.DispositionType, error) {
	if e.Config == nil {
		return nil, apperr.Internal("config not loaded", nil)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback()
	out := make([]domain.DispositionType, 0, len(e.Config.Dispositions))
	for _, d := range e.Config.Dispositions {
		dt := domain.DispositionType{
			Code:         strings.ToUpper(strings.TrimSpace(d.Code)),
			Name:         strings.TrimSpace(d.Name),
			FieldCapable: d.FieldCapable,
		}
		if dt.Name == "" {
			dt.Name = dt.Code
		}
		if err := e.Repo.UpsertDispositionType(ctx, tx, dt); err != nil {
			return nil, storeErr("upsert disposition type "+dt.Code, err)
		}
		out = append(out, dt)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	return out, nil
}
