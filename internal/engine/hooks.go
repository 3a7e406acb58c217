package engine

import (
	"context"
	"time"
)

type Hook interface {
	OnStepStart(ctx context.Context, st *State)
	OnBeforeLLM(ctx context.Context, st *State, req ChatRequest)
	OnAfterLLM(ctx context.Context, st *State, resp LLMResponse)
	OnToolCall(ctx context.Context, st *State, call ToolCall)
	OnToolResult(ctx context.Context, st *State, call ToolCall, result ToolResult)
	OnRetryAttempt(ctx context.Context, st *State, attempt int, delay time.Duration, err error)
	OnDone(ctx context.Context, st *State)
	OnError(ctx context.Context, st *State, err error)
}

// NopHook lets you implement any hook you need.
type NopHook struct{}

func (NopHook) OnStepStart(context.Context, *State)                               {}
func (NopHook) OnBeforeLLM(context.Context, *State, ChatRequest)                  {}
func (NopHook) OnAfterLLM(context.Context, *State, LLMResponse)                   {}
func (NopHook) OnToolCall(context.Context, *State, ToolCall)                      {}
func (NopHook) OnToolResult(context.Context, *State, ToolCall, ToolResult)        {}
func (NopHook) OnRetryAttempt(context.Context, *State, int, time.Duration, error) {}
func (NopHook) OnDone(context.Context, *State)                                    {}
func (NopHook) OnError(context.Context, *State, error)                            {}
