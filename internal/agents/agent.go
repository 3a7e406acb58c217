// Package agents defines the six pipeline agents and runs them on the
// engine's tool loop. An agent is a prompt, a fixed tool set, a task
// message and the knowledge document it must leave behind.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/knowledge"
	"github.com/ChamsBouzaiene/forge/internal/logging"
	"github.com/ChamsBouzaiene/forge/internal/prompts"
	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
	"github.com/ChamsBouzaiene/forge/internal/session"
	"github.com/ChamsBouzaiene/forge/internal/tools"
)

// ErrMissingOutput is returned when an agent finished without writing the
// document it is responsible for.
var ErrMissingOutput = errors.New("agent finished without producing its output")

// Input is what the orchestrator hands an agent.
type Input struct {
	Prompt      string
	ProjectName string
	// Feedback is set on revision runs: coverage gaps for the architect,
	// failing verification items for the builder.
	Feedback  string
	Iteration int
}

// Definition describes one agent.
type Definition struct {
	Name  string
	Tools []tools.Name
	// Output is the knowledge path the agent must write. With OutputPrefix
	// any document under it counts.
	Output       string
	OutputPrefix bool
	Task         func(in Input) string
	Check        func(store *knowledge.Store) error
}

// Env is the per-session world an agent runs in.
type Env struct {
	SessionID      string
	Store          *knowledge.Store
	Emitter        *events.Emitter
	Budget         *resilience.BudgetTracker
	Sessions       *session.Manager
	Asker          tools.Asker
	AskTimeout     time.Duration
	NonInteractive bool
	Web            providers.WebClient
	Deployer       providers.Deployer
}

// Runtime holds what is shared by every run.
type Runtime struct {
	LLM         engine.LLMClient
	Prompts     *prompts.PromptRegistry
	Guard       *resilience.Guard
	Confidence  tools.ConfidenceConfig
	MaxSteps    int
	Temperature float32
	Logger      *slog.Logger
}

// Run executes def for one session.
func (rt *Runtime) Run(ctx context.Context, def Definition, env Env, in Input) engine.AgentResult {
	log := logging.OrDiscard(rt.Logger).With("session", env.SessionID, "agent", def.Name)
	fail := func(err error) engine.AgentResult {
		return engine.AgentResult{Agent: def.Name, Err: err}
	}

	system, err := rt.systemPrompt(def.Name, in)
	if err != nil {
		return fail(err)
	}

	emitter := env.Emitter.WithAgent(def.Name)
	deps := tools.Deps{
		SessionID:      env.SessionID,
		ProjectName:    in.ProjectName,
		Agent:          def.Name,
		Store:          env.Store,
		Emitter:        emitter,
		Asker:          env.Asker,
		AskTimeout:     env.AskTimeout,
		Web:            env.Web,
		Deployer:       env.Deployer,
		Guard:          rt.Guard,
		Confidence:     rt.Confidence,
		Logger:         log,
		NonInteractive: env.NonInteractive || env.Asker == nil,
	}
	if env.Sessions != nil {
		deps.Sessions = env.Sessions
	}
	router, err := tools.NewRouter(deps, def.Tools...)
	if err != nil {
		return fail(fmt.Errorf("agent %s: %w", def.Name, err))
	}

	model := ""
	if env.Budget != nil {
		model = env.Budget.Budget(def.Name).Model
	}
	st := engine.NewState(def.Name, model, system, def.Task(in))
	if rt.MaxSteps > 0 {
		st.MaxSteps = rt.MaxSteps
	}

	before := outputVersion(env.Store, def)
	rt.setStatus(env, def.Name, session.AgentActive)
	emitter.Emit(events.AgentStarted, map[string]any{"iteration": in.Iteration, "model": model})

	hooks := engine.Hooks{
		engine.LoggerHook{L: log},
		engine.EventHook{E: emitter},
		&usageHook{env: env},
	}
	cfg := engine.Config{
		LLM:         rt.LLM,
		Router:      router,
		Guard:       rt.Guard,
		Hooks:       hooks,
		Temperature: rt.Temperature,
	}
	if env.Budget != nil {
		cfg.Budget = env.Budget
	}

	res := engine.Execute(ctx, cfg, st)
	if res.Success {
		if err := checkOutput(env.Store, def, before); err != nil {
			res.Success, res.Err = false, err
			emitter.Emit(events.AgentError, map[string]any{"error": err.Error()})
		}
	}
	if res.Success {
		rt.setStatus(env, def.Name, session.AgentCompleted)
	} else {
		rt.setStatus(env, def.Name, session.AgentError)
	}
	return res
}

func (rt *Runtime) systemPrompt(agent string, in Input) (string, error) {
	b, err := prompts.NewPromptBuilder(rt.Prompts, agent)
	if err != nil {
		return "", err
	}
	return b.SetVariable("project_name", in.ProjectName).Build()
}

func (rt *Runtime) setStatus(env Env, agent string, s session.AgentStatus) {
	if env.Sessions == nil {
		return
	}
	_ = env.Sessions.SetAgent(env.SessionID, agent, func(st *session.AgentState) {
		st.Status = s
		if s == session.AgentCompleted {
			st.Progress = 100
		}
	})
}

// outputVersion returns the current version of a single-document output,
// or the number of documents under a prefix output.
func outputVersion(store *knowledge.Store, def Definition) int {
	if def.Output == "" {
		return 0
	}
	if def.OutputPrefix {
		return len(store.ListPaths(def.Output))
	}
	doc, err := store.Read(def.Output, 0)
	if err != nil {
		return 0
	}
	return doc.Version
}

func checkOutput(store *knowledge.Store, def Definition, before int) error {
	if def.Output != "" {
		switch {
		case def.OutputPrefix && len(store.ListPaths(def.Output)) == 0:
			return fmt.Errorf("%w: nothing under %s", ErrMissingOutput, def.Output)
		case !def.OutputPrefix && outputVersion(store, def) <= before:
			return fmt.Errorf("%w: %s was not written", ErrMissingOutput, def.Output)
		}
	}
	if def.Check != nil {
		return def.Check(store)
	}
	return nil
}
