package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ChamsBouzaiene/forge/internal/webhook"
)

// TaskCallbackResponse acknowledges a webhook delivery.
type TaskCallbackResponse struct {
	TaskID    string             `json:"taskId"`
	Status    webhook.TaskStatus `json:"status"`
	Duplicate bool               `json:"duplicate"`
}

func registerWebhooks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-task",
		Method:        http.MethodPost,
		Path:          "/generations/{id}/tasks",
		Summary:       "Register an external task before dispatching it",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Kind string `json:"kind" minLength:"1" example:"image-render"`
		} `json:"body"`
	}) (*struct {
		Body webhook.Task `json:"body"`
	}, error) {
		if _, err := cfg.Sessions.Get(input.ID); err != nil {
			return nil, handleError(err)
		}
		task, err := cfg.Webhooks.Register(ctx, input.ID, input.Body.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body webhook.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-callback",
		Method:      http.MethodPost,
		Path:        "/webhooks/tasks",
		Summary:     "Completion callback from the workflow engine",
		Description: "Authenticated with an HS256 bearer token whose body_sha256 claim matches the body. Repeated deliveries for a finished task succeed with duplicate=true and change nothing.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
		RawBody       []byte
	}) (*struct {
		Body TaskCallbackResponse `json:"body"`
	}, error) {
		out, err := cfg.Webhooks.Handle(ctx, input.Authorization, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskCallbackResponse `json:"body"`
		}{Body: TaskCallbackResponse{TaskID: out.Task.ID, Status: out.Task.Status, Duplicate: out.Duplicate}}, nil
	})
}
