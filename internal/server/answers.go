package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// AnswerRequest resolves one pending question.
type AnswerRequest struct {
	QuestionID string `json:"questionId" minLength:"1"`
	Response   string `json:"response"`
}

func registerAnswers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-answer",
		Method:      http.MethodPost,
		Path:        "/generations/{id}/answers",
		Summary:     "Answer a question an agent is waiting on",
		Description: "Accepted is false when the question is no longer pending or the response is not one of its options.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AnswerRequest `json:"body"`
	}) (*struct {
		Body struct {
			Accepted bool `json:"accepted"`
		} `json:"body"`
	}, error) {
		if _, err := cfg.Sessions.Get(input.ID); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Accepted bool `json:"accepted"`
			} `json:"body"`
		}{}
		if cfg.Responses != nil {
			out.Body.Accepted = cfg.Responses.Submit(input.ID, input.Body.QuestionID, input.Body.Response)
		}
		return out, nil
	})
}
