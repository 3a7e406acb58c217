package engine

import (
	"context"
	"time"
)

type Hooks []Hook

func (hs Hooks) OnStepStart(ctx context.Context, st *State) {
	for _, h := range hs {
		h.OnStepStart(ctx, st)
	}
}
func (hs Hooks) OnBeforeLLM(ctx context.Context, st *State, req ChatRequest) {
	for _, h := range hs {
		h.OnBeforeLLM(ctx, st, req)
	}
}
func (hs Hooks) OnAfterLLM(ctx context.Context, st *State, r LLMResponse) {
	for _, h := range hs {
		h.OnAfterLLM(ctx, st, r)
	}
}
func (hs Hooks) OnToolCall(ctx context.Context, st *State, c ToolCall) {
	for _, h := range hs {
		h.OnToolCall(ctx, st, c)
	}
}
func (hs Hooks) OnToolResult(ctx context.Context, st *State, c ToolCall, r ToolResult) {
	for _, h := range hs {
		h.OnToolResult(ctx, st, c, r)
	}
}
func (hs Hooks) OnRetryAttempt(ctx context.Context, st *State, attempt int, delay time.Duration, err error) {
	for _, h := range hs {
		h.OnRetryAttempt(ctx, st, attempt, delay, err)
	}
}
func (hs Hooks) OnDone(ctx context.Context, st *State) {
	for _, h := range hs {
		h.OnDone(ctx, st)
	}
}
func (hs Hooks) OnError(ctx context.Context, st *State, err error) {
	for _, h := range hs {
		h.OnError(ctx, st, err)
	}
}
