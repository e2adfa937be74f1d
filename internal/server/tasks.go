package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dmecoord/internal/app"
	"dmecoord/internal/domain"
	"dmecoord/internal/engine"
	"dmecoord/internal/tasks"
)

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" doc:"Comma separated statuses"`
		TaskType  string `query:"task_type"`
		SLABreach bool   `query:"sla_breach"`
		OrderID   string `query:"order_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		items, err := a.Tasks.List(ctx, tasks.ListFilter{
			Status:    input.Status,
			TaskType:  input.TaskType,
			SLABreach: input.SLABreach,
			OrderID:   input.OrderID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Tasks: orEmptyTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Tasks.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/acknowledge",
		Summary:     "Acknowledge task",
		Description: "Moves the task to in_progress and publishes task.acknowledged.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body *TaskOwnerRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		owner := ""
		if input.Body != nil {
			owner = input.Body.Owner
		}
		t, err := a.Engine.AcknowledgeTask(ctx, input.ID, actorOr(ctx, owner))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/status",
		Summary:     "Set task status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Engine.SetTaskStatus(ctx, input.ID, input.Body.Status, input.Body.Owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Assign task owner",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AssignTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Engine.AssignTask(ctx, input.ID, input.Body.Owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Provider completion",
		Description: "Closes the task and every open task of its order, approves the portal order and rescores the SLA.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body *CompleteTaskRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.CompleteResult `json:"body"`
	}, error) {
		var req CompleteTaskRequest
		if input.Body != nil {
			req = *input.Body
		}
		res, err := a.Engine.CompleteTask(ctx, input.ID, engine.CompleteInput{
			Owner:         actorOr(ctx, req.Owner),
			Notes:         req.Notes,
			ESignEnvelope: req.ESignEnvelope,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CompleteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-portal-holds",
		Method:      http.MethodPost,
		Path:        "/tasks/ingest/portal-holds",
		Summary:     "Create hold tasks for portal orders awaiting review",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.IngestSummary `json:"body"`
	}, error) {
		summary, err := a.Engine.IngestPortalHolds(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IngestSummary `json:"body"`
		}{Body: summary}, nil
	})
}
