package engine

import (
	"context"

	"github.com/ChamsBouzaiene/forge/internal/events"
)

// EventHook publishes agent activity to the session's event stream.
type EventHook struct {
	NopHook
	E *events.Emitter
}

func (h EventHook) OnAfterLLM(_ context.Context, _ *State, r LLMResponse) {
	if r.Text != "" {
		h.E.Emit(events.AgentMessage, map[string]any{"text": r.Text})
	}
}

func (h EventHook) OnToolCall(_ context.Context, _ *State, c ToolCall) {
	h.E.Emit(events.AgentToolCall, map[string]any{"tool": c.Name, "id": c.ID})
}

func (h EventHook) OnDone(_ context.Context, st *State) {
	h.E.Emit(events.AgentCompleted, map[string]any{
		"steps":     st.Step,
		"toolCalls": st.ToolCalls,
		"tokens":    st.Totals.Total,
	})
}

func (h EventHook) OnError(_ context.Context, st *State, err error) {
	h.E.Emit(events.AgentError, map[string]any{
		"error":        err.Error(),
		"loopDetected": IsLoopDetected(err),
		"steps":        st.Step,
	})
}
