package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/session"
)

type emitProgressArgs struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

type askUserArgs struct {
	Question string   `json:"question"`
	Type     string   `json:"type"`
	Options  []string `json:"options"`
}

func emitProgressTool() *engine.Tool {
	return &engine.Tool{
		Name:        string(EmitProgress),
		Description: "Report your progress (0-100) and a short status message to the user watching the generation.",
		SchemaJSON:  `{"type":"object","properties":{"progress":{"type":"integer","minimum":0,"maximum":100},"message":{"type":"string","maxLength":500}},"required":["progress","message"],"additionalProperties":false}`,
	}
}

func askUserTool() *engine.Tool {
	return &engine.Tool{
		Name: string(AskUser),
		Description: `Ask the user a question and wait for the answer.

Only ask when the answer changes what you build; otherwise make a reasonable
assumption and record it. type is text (default), choice (answer must be one
of options) or confirm (yes/no). If the user does not answer in time the
result has timedOut=true: continue with your best assumption.`,
		SchemaJSON: `{"type":"object","properties":{"question":{"type":"string","minLength":1},"type":{"type":"string","enum":["text","choice","confirm"]},"options":{"type":"array","items":{"type":"string"},"maxItems":10}},"required":["question"],"additionalProperties":false}`,
	}
}

func (r *Router) emitProgress(_ context.Context, a emitProgressArgs) (any, error) {
	if r.deps.Sessions != nil {
		if err := r.deps.Sessions.ReportProgress(r.deps.SessionID, r.deps.Agent, a.Progress, a.Message); err != nil {
			return nil, err
		}
	} else {
		r.deps.Emitter.Emit(events.AgentProgress, map[string]any{"progress": a.Progress, "message": a.Message})
	}
	return map[string]any{"recorded": true}, nil
}

func (r *Router) askUser(ctx context.Context, a askUserArgs) (any, error) {
	if r.deps.NonInteractive {
		return map[string]any{
			"answered": false,
			"message":  "The user is not available. Proceed with a reasonable assumption and record it.",
		}, nil
	}

	r.setAgentStatus(session.AgentWaitingForUser)
	defer r.setAgentStatus(session.AgentActive)

	ans, err := r.deps.Asker.Ask(ctx, r.deps.SessionID, r.deps.Agent, session.Question{
		Text:    a.Question,
		Type:    session.QuestionType(a.Type),
		Options: a.Options,
	}, r.deps.AskTimeout)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, session.ErrSessionClosed):
		return nil, fmt.Errorf("question abandoned: %w", err)
	case err != nil:
		return nil, err
	}
	if ans.TimedOut {
		return map[string]any{"questionId": ans.QuestionID, "timedOut": true}, nil
	}
	return map[string]any{"questionId": ans.QuestionID, "answer": ans.Response, "timedOut": false}, nil
}

func (r *Router) setAgentStatus(s session.AgentStatus) {
	if r.deps.Sessions == nil {
		return
	}
	_ = r.deps.Sessions.SetAgent(r.deps.SessionID, r.deps.Agent, func(st *session.AgentState) { st.Status = s })
}
