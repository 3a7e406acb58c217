package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ChamsBouzaiene/forge/internal/knowledge"
	"github.com/ChamsBouzaiene/forge/internal/orchestrator"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
	"github.com/ChamsBouzaiene/forge/internal/session"
)

// GenerationOptions are the per-run knobs accepted by the API.
type GenerationOptions struct {
	SkipDeployment    bool  `json:"skipDeployment,omitempty"`
	Interactive       *bool `json:"interactive,omitempty" doc:"Agents may wait for answers. Defaults to true."`
	AskTimeoutSeconds int   `json:"askTimeoutSeconds,omitempty" minimum:"0"`
}

// GenerationRequest starts a run.
type GenerationRequest struct {
	Prompt      string            `json:"prompt" minLength:"1" example:"Build a todo app with filters"`
	ProjectName string            `json:"projectName,omitempty" example:"todo-app"`
	Options     GenerationOptions `json:"options,omitempty"`
}

// GenerationAccepted is returned once a run has been scheduled.
type GenerationAccepted struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
	EventsURL string         `json:"eventsUrl"`
}

// GenerationResponse is a session with its outcome once it has one.
type GenerationResponse struct {
	session.Session
	Pending []session.PendingQuestion `json:"pendingQuestions"`
	Result  *orchestrator.Result      `json:"result,omitempty"`
}

type sessionPath struct {
	ID string `path:"id"`
}

func toOptions(o GenerationOptions) session.Options {
	interactive := true
	if o.Interactive != nil {
		interactive = *o.Interactive
	}
	return session.Options{
		SkipDeployment: o.SkipDeployment,
		Interactive:    interactive,
		AskTimeout:     time.Duration(o.AskTimeoutSeconds) * time.Second,
	}
}

func accepted(s session.Session) GenerationAccepted {
	return GenerationAccepted{
		SessionID: s.ID,
		Status:    s.Status,
		EventsURL: basePath + "/generations/" + s.ID + "/events",
	}
}

func registerGenerations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-generation",
		Method:        http.MethodPost,
		Path:          "/generations",
		Summary:       "Start a generation",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body GenerationRequest `json:"body"`
	}) (*struct {
		Body GenerationAccepted `json:"body"`
	}, error) {
		sess, err := cfg.Orchestrator.Start(ctx, orchestrator.Request{
			Prompt:      input.Body.Prompt,
			ProjectName: input.Body.ProjectName,
			Options:     toOptions(input.Body.Options),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GenerationAccepted `json:"body"`
		}{Body: accepted(sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-generations",
		Method:      http.MethodGet,
		Path:        "/generations",
		Summary:     "List live generations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []session.Session `json:"body"`
	}, error) {
		items := cfg.Sessions.List()
		if items == nil {
			items = []session.Session{}
		}
		return &struct {
			Body []session.Session `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-generation",
		Method:      http.MethodGet,
		Path:        "/generations/{id}",
		Summary:     "Generation status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body GenerationResponse `json:"body"`
	}, error) {
		sess, err := cfg.Sessions.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := GenerationResponse{Session: sess, Pending: []session.PendingQuestion{}}
		if cfg.Responses != nil {
			if p := cfg.Responses.Pending(input.ID); p != nil {
				resp.Pending = p
			}
		}
		if res, ok := cfg.Orchestrator.Result(input.ID); ok {
			resp.Result = &res
		}
		return &struct {
			Body GenerationResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-generation",
		Method:      http.MethodPost,
		Path:        "/generations/{id}/abort",
		Summary:     "Abort a running generation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body struct {
			Aborted bool `json:"aborted"`
		} `json:"body"`
	}, error) {
		if _, err := cfg.Sessions.Get(input.ID); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Aborted bool `json:"aborted"`
			} `json:"body"`
		}{}
		out.Body.Aborted = cfg.Orchestrator.Abort(input.ID)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resume-generation",
		Method:        http.MethodPost,
		Path:          "/generations/{id}/resume",
		Summary:       "Resume a generation from its latest checkpoint",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body GenerationAccepted `json:"body"`
	}, error) {
		sess, err := cfg.Orchestrator.Resume(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GenerationAccepted `json:"body"`
		}{Body: accepted(sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-generation-artifacts",
		Method:      http.MethodGet,
		Path:        "/generations/{id}/artifacts",
		Summary:     "Knowledge documents produced so far",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Prefix string `query:"prefix" example:"/files/"`
	}) (*struct {
		Body []knowledge.Document `json:"body"`
	}, error) {
		docs, err := cfg.Orchestrator.Documents(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]knowledge.Document, 0, len(docs))
		for path, d := range docs {
			if input.Prefix != "" && !hasPathPrefix(path, input.Prefix) {
				continue
			}
			items = append(items, d)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
		return &struct {
			Body []knowledge.Document `json:"body"`
		}{Body: items}, nil
	})
}

func hasPathPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body := map[string]any{
			"status":   "ok",
			"version":  cfg.Version,
			"running":  cfg.Orchestrator.Running(),
			"sessions": len(cfg.Sessions.List()),
		}
		if cfg.Breakers != nil {
			states := cfg.Breakers.States()
			for _, st := range states {
				if st == resilience.StateOpen {
					body["status"] = "degraded"
				}
			}
			body["breakers"] = states
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}
