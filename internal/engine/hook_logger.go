package engine

import (
	"context"
	"log/slog"
	"time"
)

// LoggerHook logs the loop through slog.
type LoggerHook struct{ L *slog.Logger }

func (h LoggerHook) OnStepStart(ctx context.Context, st *State) {
	h.L.DebugContext(ctx, "agent step", "agent", st.Agent, "step", st.Step)
}
func (h LoggerHook) OnBeforeLLM(ctx context.Context, st *State, req ChatRequest) {
	h.L.DebugContext(ctx, "model call",
		"agent", st.Agent,
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools))
}
func (h LoggerHook) OnAfterLLM(ctx context.Context, st *State, r LLMResponse) {
	h.L.DebugContext(ctx, "model reply",
		"agent", st.Agent,
		"finish", r.FinishReason,
		"tool_calls", len(r.ToolCalls),
		"prompt_tokens", r.Usage.Prompt,
		"completion_tokens", r.Usage.Completion,
		"cumulative_tokens", st.Totals.Total)
}
func (h LoggerHook) OnToolCall(ctx context.Context, st *State, c ToolCall) {
	h.L.DebugContext(ctx, "tool call", "agent", st.Agent, "tool", c.Name, "id", c.ID)
}
func (h LoggerHook) OnToolResult(ctx context.Context, st *State, c ToolCall, r ToolResult) {
	if !r.Success {
		h.L.InfoContext(ctx, "tool failed", "agent", st.Agent, "tool", c.Name, "error", r.Error)
	}
}
func (h LoggerHook) OnRetryAttempt(ctx context.Context, st *State, attempt int, delay time.Duration, err error) {
	h.L.WarnContext(ctx, "model call retry", "agent", st.Agent, "attempt", attempt, "delay", delay, "error", err)
}
func (h LoggerHook) OnDone(ctx context.Context, st *State) {
	h.L.InfoContext(ctx, "agent done", "agent", st.Agent, "steps", st.Step, "tool_calls", st.ToolCalls, "tokens", st.Totals.Total)
}
func (h LoggerHook) OnError(ctx context.Context, st *State, err error) {
	if IsLoopDetected(err) {
		h.L.ErrorContext(ctx, "agent loop detected", "agent", st.Agent, "steps", st.Step, "tool_calls", st.ToolCalls)
		return
	}
	h.L.ErrorContext(ctx, "agent failed", "agent", st.Agent, "step", st.Step, "error", err)
}
