package agents

import (
	"context"
	"math"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/session"
)

// usageHook mirrors model usage into the session and the event stream.
type usageHook struct {
	engine.NopHook
	env Env
}

func (h *usageHook) OnAfterLLM(_ context.Context, st *engine.State, r engine.LLMResponse) {
	if h.env.Sessions != nil {
		// counts span every run of the agent in the session, resumes included
		_ = h.env.Sessions.SetAgent(h.env.SessionID, st.Agent, func(a *session.AgentState) {
			a.TokensUsed += r.Usage.Total
			a.CallsMade++
		})
	}
	if h.env.Budget == nil {
		return
	}
	totals := h.env.Budget.Totals()
	if h.env.Sessions != nil {
		_ = h.env.Sessions.Update(h.env.SessionID, func(s *session.Session) {
			s.Usage = session.Usage{
				Calls:            totals.Calls,
				PromptTokens:     totals.PromptTokens,
				CompletionTokens: totals.CompletionTokens,
				TotalTokens:      totals.TotalTokens,
				CostUSD:          totals.CostUSD,
			}
		})
	}
	h.env.Emitter.WithAgent(st.Agent).Emit(events.CostUpdated, map[string]any{
		"calls":   totals.Calls,
		"tokens":  totals.TotalTokens,
		"costUsd": math.Round(totals.CostUSD*1e6) / 1e6,
	})
}
