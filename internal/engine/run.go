package engine

import (
	"context"
	"fmt"

	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

// DefaultResource names the breaker guarding model calls.
const DefaultResource = "llm"

// Budget meters model calls per agent.
type Budget interface {
	Reserve(agent string) error
	Record(agent string, usage resilience.TokenUsage) resilience.AgentUsage
}

// Config holds what one run needs besides its State.
type Config struct {
	LLM             LLMClient
	Router          Router
	Budget          Budget            // nil: unmetered
	Guard           *resilience.Guard // nil: one direct attempt per call
	Resource        string            // breaker name, DefaultResource when empty
	Window          *ContextWindow    // nil: WindowForModel of the run's model
	Hooks           Hooks
	Temperature     float32
	MaxOutputTokens int
}

// Run executes the tool loop until the model answers without tool calls.
// Each iteration makes exactly one model call; once st.MaxSteps calls have
// been made without a final answer the run fails with a *LoopError.
func Run(ctx context.Context, cfg Config, st *State) error {
	if st.MaxSteps <= 0 {
		st.MaxSteps = DefaultMaxSteps
	}
	for !st.Done {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled: %w", err)
		}
		if st.Step >= st.MaxSteps {
			return &LoopError{Agent: st.Agent, Iterations: st.Step}
		}
		if err := stepOnce(ctx, cfg, st); err != nil {
			return err
		}
	}
	cfg.Hooks.OnDone(ctx, st)
	return nil
}
