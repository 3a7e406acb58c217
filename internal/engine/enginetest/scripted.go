// Package enginetest provides a scripted model client for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChamsBouzaiene/forge/internal/engine"
)

// Step produces one model reply.
type Step func(req engine.ChatRequest) (engine.LLMResponse, error)

// Reply answers with text and no tool calls.
func Reply(text string) Step {
	return func(engine.ChatRequest) (engine.LLMResponse, error) {
		return engine.LLMResponse{Text: text, FinishReason: "stop", Usage: engine.Usage{Prompt: 10, Completion: 5, Total: 15}}, nil
	}
}

// Calls answers with the given tool calls.
func Calls(calls ...engine.ToolCall) Step {
	return func(engine.ChatRequest) (engine.LLMResponse, error) {
		cp := append([]engine.ToolCall(nil), calls...)
		return engine.LLMResponse{ToolCalls: cp, FinishReason: "tool_calls", Usage: engine.Usage{Prompt: 10, Completion: 5, Total: 15}}, nil
	}
}

// Stall blocks until the call is cancelled.
func Stall() Step {
	return func(engine.ChatRequest) (engine.LLMResponse, error) {
		return engine.LLMResponse{}, errStall
	}
}

var errStall = errors.New("stall")

// Fail answers with err.
func Fail(err error) Step {
	return func(engine.ChatRequest) (engine.LLMResponse, error) { return engine.LLMResponse{}, err }
}

// Call builds a tool call.
func Call(id, name string, args map[string]any) engine.ToolCall {
	return engine.ToolCall{ID: id, Name: name, Args: args}
}

// ScriptedLLM replays scripted steps per agent. Requests are recorded.
type ScriptedLLM struct {
	mu       sync.Mutex
	scripts  map[string][]Step
	fallback Step
	requests []engine.ChatRequest
}

// NewScriptedLLM returns an empty script.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{scripts: make(map[string][]Step)}
}

// On appends steps for agent. An empty agent matches any caller without
// its own script.
func (s *ScriptedLLM) On(agent string, steps ...Step) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[agent] = append(s.scripts[agent], steps...)
	return s
}

// Otherwise sets the reply used once a script runs out.
func (s *ScriptedLLM) Otherwise(step Step) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = step
	return s
}

func (s *ScriptedLLM) Chat(ctx context.Context, req engine.ChatRequest) (engine.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return engine.LLMResponse{}, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	key := req.Agent
	if len(s.scripts[key]) == 0 {
		key = ""
	}
	var step Step
	if q := s.scripts[key]; len(q) > 0 {
		step, s.scripts[key] = q[0], q[1:]
	} else {
		step = s.fallback
	}
	s.mu.Unlock()

	if step == nil {
		return engine.LLMResponse{}, fmt.Errorf("script exhausted for agent %q", req.Agent)
	}
	resp, err := step(req)
	if errors.Is(err, errStall) {
		<-ctx.Done()
		return engine.LLMResponse{}, ctx.Err()
	}
	return resp, err
}

// Requests returns the recorded requests of agent, or all when agent is empty.
func (s *ScriptedLLM) Requests(agent string) []engine.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.ChatRequest
	for _, r := range s.requests {
		if agent == "" || r.Agent == agent {
			out = append(out, r)
		}
	}
	return out
}
