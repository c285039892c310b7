package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"fieldline/internal/apperr"
	"fieldline/internal/engine"
	"fieldline/internal/notify"
	"fieldline/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerBuckets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-bucket-tasks",
		Method:      http.MethodGet,
		Path:        "/buckets/{bucket_id}/tasks",
		Summary:     "List workable tasks of a bucket in field order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BucketID   string `path:"bucket_id"`
		AssigneeID string `query:"assignee_id" doc:"Agent view; omit for the whole bucket"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBucket(ctx, input.BucketID); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				err = apperr.NotFound("bucket " + input.BucketID + " not found")
			}
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWorkable(ctx, input.BucketID, strings.TrimSpace(input.AssigneeID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-bucket",
		Method:      http.MethodPut,
		Path:        "/buckets/{bucket_id}/order",
		Summary:     "Re-stamp the field order of a bucket",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		BucketID string         `path:"bucket_id"`
		Body     ReorderRequest `json:"body"`
	}) (*struct {
		Body ReorderResponse `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Reorder(ctx, engine.ReorderRequest{
			BucketID: input.BucketID,
			TaskIDs:  input.Body.TaskIDs,
			Filter:   input.Body.Filter,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReorderResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		_, pending, err := e.PendingFinish(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, PendingFinish: pending}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/assign",
		Summary:     "Assign a batch of tasks to an agent",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AssignTasksRequest `json:"body"`
	}) (*struct {
		Body AssignResponse `json:"body"`
	}, error) {
		assigner, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Assign(ctx, engine.AssignRequest{
			TaskIDs:    input.Body.TaskIDs,
			AssigneeID: input.Body.AssigneeID,
			AssignerID: assigner,
			BucketID:   input.Body.BucketID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/start",
		Summary:     "Start or continue a task from the caller's scope",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		scope, authErr := scopeFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Start(ctx, scope, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/finish",
		Summary:     "Record the disposition and finish the task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   DispositionRequest `json:"body"`
	}) (*struct {
		Body FinishResponse `json:"body"`
	}, error) {
		scope, authErr := scopeFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Finish(ctx, scope, input.TaskID, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FinishResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-finish",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/pending-finish",
		Summary:     "Disposition stored by an interrupted finish",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body PendingFinishResponse `json:"body"`
	}, error) {
		d, pending, err := e.PendingFinish(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := PendingFinishResponse{Pending: pending}
		if pending {
			resp.Disposition = &d
		}
		return &struct {
			Body PendingFinishResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerScopes(api huma.API, e engine.Engine) {
	ownScope := func(ctx context.Context, scopeID string) huma.StatusError {
		p, ok := principalFromContext(ctx)
		if !ok || p.AgentID == "" {
			return handleError(apperr.Unauthorized("authentication required"))
		}
		if p.ScopeID != scopeID && !p.supervises() {
			return newAPIError(http.StatusForbidden, "forbidden", "scope "+scopeID+" belongs to another session", map[string]any{"scope_id": scopeID})
		}
		return nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "release-scope",
		Method:      http.MethodPost,
		Path:        "/scopes/{scope_id}/release",
		Summary:     "Release the scope's lease without finishing its task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ScopeID string `path:"scope_id"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		if err := ownScope(ctx, input.ScopeID); err != nil {
			return nil, err
		}
		actorID, _ := agentIDFromContext(ctx)
		released, err := e.ReleaseLease(ctx, input.ScopeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: ReleaseResponse{Released: released}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scope-lease",
		Method:      http.MethodGet,
		Path:        "/scopes/{scope_id}/lease",
		Summary:     "Lease currently held by the scope",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ScopeID string `path:"scope_id"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		if err := ownScope(ctx, input.ScopeID); err != nil {
			return nil, err
		}
		l, err := e.GetLease(ctx, input.ScopeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: l}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Poll notifications, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind       string `query:"kind"`
		AssigneeID string `query:"assignee_id"`
		BucketID   string `query:"bucket_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body NotificationListResponse `json:"body"`
	}, error) {
		cursor, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		assignee := input.AssigneeID
		if assignee == "" && input.BucketID == "" {
			// Without an audience the caller sees its own notifications.
			assignee, _ = agentIDFromContext(ctx)
		}
		page, err := e.Notify.List(ctx, notify.Filter{
			Kind:       input.Kind,
			AssigneeID: assignee,
			BucketID:   input.BucketID,
			Limit:      normalizeLimit(input.Limit),
			Cursor:     cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationListResponse `json:"body"`
		}{Body: NotificationListResponse{Items: nonNil(page.Items), NextCursor: formatCursor(page.NextCursor)}}, nil
	})
}

func registerDispositions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-disposition-types",
		Method:      http.MethodGet,
		Path:        "/dispositions/types",
		Summary:     "Disposition catalog",
	}, func(ctx context.Context, input *struct {
		FieldOnly bool `query:"field_only" doc:"Only codes that may be recorded from the field"`
	}) (*struct {
		Body DispositionTypeListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDispositionTypes(ctx, input.FieldOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispositionTypeListResponse `json:"body"`
		}{Body: DispositionTypeListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-disposition",
		Method:      http.MethodPost,
		Path:        "/dispositions/check",
		Summary:     "Evaluate a draft form against the finish rules",
	}, func(ctx context.Context, input *struct {
		Body DispositionRequest `json:"body"`
	}) (*struct {
		Body CheckDispositionResponse `json:"body"`
	}, error) {
		violations, required := e.CheckDisposition(input.Body.input())
		return &struct {
			Body CheckDispositionResponse `json:"body"`
		}{Body: CheckDispositionResponse{
			CanFinish:  len(violations) == 0,
			Violations: nonNil(violations),
			Required:   nonNil(required),
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,lease,disposition,bucket,callfile,agent"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		cursor, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Before:     cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = formatCursor(items[limit-1].ID)
		}
		resp.Items = nonNil(items)
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}
