package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

func stepOnce(ctx context.Context, cfg Config, st *State) error {
	cfg.Hooks.OnStepStart(ctx, st)

	if cfg.Budget != nil {
		if err := cfg.Budget.Reserve(st.Agent); err != nil {
			return WrapWithContext(err, st, "budget")
		}
	}

	window := WindowForModel(st.Model)
	if cfg.Window != nil {
		window = *cfg.Window
	}
	msgs, err := window.Fit(st.Agent, st.System, st.History)
	if err != nil {
		return WrapWithContext(err, st, "context_window")
	}

	if err := validateMessages(msgs); err != nil {
		return WrapWithContext(err, st, "transcript")
	}

	req := ChatRequest{
		Agent:           st.Agent,
		Model:           st.Model,
		System:          st.System,
		Messages:        append([]ChatMessage(nil), msgs...),
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
	if cfg.Router != nil {
		req.Tools = cfg.Router.Schemas()
	}
	cfg.Hooks.OnBeforeLLM(ctx, st, req)

	resp, err := callLLM(ctx, cfg, st, req)
	st.Step++
	if err != nil {
		return WrapWithContext(err, st, "llm_call")
	}
	processLLMResponse(ctx, cfg, st, resp)

	if len(resp.ToolCalls) == 0 {
		if resp.FinishReason == FinishLength {
			return continueTruncated(st, resp.Text)
		}
		st.Done = true
		st.Output = st.partial + resp.Text
		st.partial = ""
		return nil
	}
	st.partial = ""

	executeToolCalls(ctx, cfg, st, resp.ToolCalls)
	if err := ctx.Err(); err != nil {
		return WrapWithContext(fmt.Errorf("execution cancelled: %w", err), st, "tool_execution")
	}
	return nil
}

// continueTruncated asks the model to carry on after a reply that hit the
// output limit. The pieces are joined into the final output.
func continueTruncated(st *State, text string) error {
	if st.Truncations >= MaxContinuations {
		return WrapWithContext(&TruncatedError{Agent: st.Agent, Continuations: st.Truncations}, st, "llm_call")
	}
	st.Truncations++
	st.partial += text
	st.Append(ChatMessage{Role: RoleUser, Content: continuePrompt})
	return nil
}

const continuePrompt = "Your reply was cut off at the output limit. Continue exactly where it stopped, without repeating anything."

func validateMessages(msgs []ChatMessage) error {
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// callLLM makes one model call through the guard's breaker and retry policy.
func callLLM(ctx context.Context, cfg Config, st *State, req ChatRequest) (LLMResponse, error) {
	call := func(ctx context.Context) (LLMResponse, error) {
		return cfg.LLM.Chat(ctx, req)
	}
	if cfg.Guard == nil {
		return call(ctx)
	}
	resource := cfg.Resource
	if resource == "" {
		resource = DefaultResource
	}
	cb := cfg.Guard.Breakers().Get(resource)
	return resilience.Retry(ctx, cfg.Guard.Policy(),
		func(ctx context.Context) (LLMResponse, error) { return resilience.Call(ctx, cb, call) },
		resilience.ClassifyError,
		func(attempt int, delay time.Duration, err error) {
			cfg.Hooks.OnRetryAttempt(ctx, st, attempt, delay, err)
		},
	)
}

// processLLMResponse records usage and appends the assistant turn.
func processLLMResponse(ctx context.Context, cfg Config, st *State, resp LLMResponse) {
	if resp.Usage.Total == 0 {
		resp.Usage.Total = resp.Usage.Prompt + resp.Usage.Completion
	}
	st.Totals = st.Totals.Add(resp.Usage)
	if cfg.Budget != nil {
		cfg.Budget.Record(st.Agent, resilience.TokenUsage{
			Prompt:     resp.Usage.Prompt,
			Completion: resp.Usage.Completion,
			Total:      resp.Usage.Total,
		})
	}
	cfg.Hooks.OnAfterLLM(ctx, st, resp)

	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			resp.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", st.Step, i)
		}
	}
	st.Append(ChatMessage{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
}

// executeToolCalls runs the calls in order and appends one tool message per
// call. A session has a single producer, so calls are not run concurrently.
func executeToolCalls(ctx context.Context, cfg Config, st *State, calls []ToolCall) {
	for _, call := range calls {
		var result ToolResult
		switch {
		case ctx.Err() != nil:
			result = Fail(ctx.Err())
		case call.Error != "":
			result = Fail(errors.New(call.Error))
		case cfg.Router == nil:
			result = Fail(fmt.Errorf("tool not found: %s", call.Name))
		default:
			cfg.Hooks.OnToolCall(ctx, st, call)
			result = cfg.Router.Dispatch(ctx, call)
		}
		st.ToolCalls++
		st.Append(ChatMessage{Role: RoleTool, ToolCallID: call.ID, Content: encodeResult(result)})
		cfg.Hooks.OnToolResult(ctx, st, call, result)
	}
}

func encodeResult(r ToolResult) string {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(ToolResult{Error: "tool result not serialisable: " + err.Error()})
	}
	return string(b)
}
