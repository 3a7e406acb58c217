// Package tools is the closed set of tools agents may call. Every tool has
// a JSON schema, a typed argument struct and one handler; the Router
// validates, decodes and dispatches calls and always answers with a
// uniform {success, data|error} result.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/knowledge"
	"github.com/ChamsBouzaiene/forge/internal/logging"
	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
	"github.com/ChamsBouzaiene/forge/internal/session"
)

// Name identifies a tool.
type Name string

const (
	ReadKnowledge    Name = "read_knowledge"
	WriteKnowledge   Name = "write_knowledge"
	SearchKnowledge  Name = "search_knowledge"
	ListKnowledge    Name = "list_knowledge"
	EmitProgress     Name = "emit_progress"
	AskUser          Name = "ask_user"
	AssessConfidence Name = "assess_confidence"
	WriteFile        Name = "write_file"
	WebSearch        Name = "web_search"
	WebFetch         Name = "web_fetch"
	Deploy           Name = "deploy"
)

// Shared is the tool set every agent gets.
var Shared = []Name{ReadKnowledge, WriteKnowledge, SearchKnowledge, ListKnowledge, EmitProgress, AskUser, AssessConfidence}

// Result is the uniform tool outcome.
type Result = engine.ToolResult

// Sessions is the part of the session manager tools report to.
type Sessions interface {
	ReportProgress(sessionID, agent string, progress int, message string) error
	SetAgent(sessionID, agent string, fn func(*session.AgentState)) error
}

// Asker blocks until a question is answered or times out.
type Asker interface {
	Ask(ctx context.Context, sessionID, agent string, q session.Question, timeout time.Duration) (session.Answer, error)
}

// Deps are the capabilities handlers use. Only the ones needed by the
// requested tool set must be set.
type Deps struct {
	SessionID   string
	ProjectName string
	Agent       string
	Store       *knowledge.Store
	Emitter     *events.Emitter
	Sessions    Sessions
	Asker       Asker
	AskTimeout  time.Duration
	Web         providers.WebClient
	Deployer    providers.Deployer
	Guard       *resilience.Guard
	Confidence  ConfidenceConfig
	Logger      *slog.Logger

	// NonInteractive makes ask_user answer immediately without asking.
	NonInteractive bool
}

type handler func(ctx context.Context, args map[string]any) (any, error)

type variant struct {
	tool *engine.Tool
	run  handler
}

// Router dispatches one agent's tool calls.
type Router struct {
	deps     Deps
	tools    engine.ToolRegistry
	handlers map[Name]handler
	log      *slog.Logger
}

var _ engine.Router = (*Router)(nil)

// NewRouter builds a router exposing names. It fails on unknown names and
// on tools whose capability is missing from deps.
func NewRouter(deps Deps, names ...Name) (*Router, error) {
	if deps.Guard == nil {
		deps.Guard = resilience.NewGuard(nil, resilience.DefaultRetryPolicy(), deps.Logger)
	}
	if deps.Confidence.Threshold == 0 {
		deps.Confidence.Threshold = DefaultConfidenceThreshold
	}
	r := &Router{
		deps:     deps,
		tools:    make(engine.ToolRegistry, len(names)),
		handlers: make(map[Name]handler, len(names)),
		log:      logging.OrDiscard(deps.Logger),
	}
	for _, n := range names {
		v, err := r.build(n)
		if err != nil {
			return nil, err
		}
		r.tools.Register(v.tool)
		r.handlers[n] = v.run
	}
	return r, nil
}

func (r *Router) build(n Name) (variant, error) {
	d := r.deps
	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("tool %s needs %s", n, what)
		}
		return nil
	}
	var (
		v   variant
		err error
	)
	switch n {
	case ReadKnowledge:
		v, err = variant{readKnowledgeTool(), typed(r.readKnowledge)}, need(d.Store != nil, "a knowledge store")
	case WriteKnowledge:
		v, err = variant{writeKnowledgeTool(), typed(r.writeKnowledge)}, need(d.Store != nil, "a knowledge store")
	case SearchKnowledge:
		v, err = variant{searchKnowledgeTool(), typed(r.searchKnowledge)}, need(d.Store != nil, "a knowledge store")
	case ListKnowledge:
		v, err = variant{listKnowledgeTool(), typed(r.listKnowledge)}, need(d.Store != nil, "a knowledge store")
	case EmitProgress:
		v, err = variant{emitProgressTool(), typed(r.emitProgress)}, nil
	case AskUser:
		v, err = variant{askUserTool(), typed(r.askUser)}, need(d.Asker != nil || d.NonInteractive, "an answer handler")
	case AssessConfidence:
		v, err = variant{assessConfidenceTool(), typed(r.assessConfidence)}, nil
	case WriteFile:
		v, err = variant{writeFileTool(), typed(r.writeFile)}, need(d.Store != nil, "a knowledge store")
	case WebSearch:
		v, err = variant{webSearchTool(), typed(r.webSearch)}, need(d.Web != nil, "a web client")
	case WebFetch:
		v, err = variant{webFetchTool(), typed(r.webFetch)}, need(d.Web != nil, "a web client")
	case Deploy:
		v, err = variant{deployTool(), typed(r.deploy)}, need(d.Deployer != nil && d.Store != nil, "a deployer and a knowledge store")
	default:
		return variant{}, fmt.Errorf("unknown tool %q", n)
	}
	return v, err
}

// Names returns the exposed tools, sorted.
func (r *Router) Names() []Name {
	names := r.tools.Names()
	out := make([]Name, len(names))
	for i, n := range names {
		out[i] = Name(n)
	}
	return out
}

// Schemas implements engine.Router.
func (r *Router) Schemas() []engine.ToolSchema { return r.tools.Schemas() }

// Dispatch implements engine.Router.
func (r *Router) Dispatch(ctx context.Context, call engine.ToolCall) Result {
	t, ok := r.tools[call.Name]
	if !ok {
		return engine.Fail(fmt.Errorf("tool not found: %s (available tools: %v)", call.Name, r.Names()))
	}
	if err := t.ValidateArgs(call.Args); err != nil {
		return engine.Fail(fmt.Errorf("validation failed for tool %s: %w", call.Name, err))
	}
	data, err := r.handlers[Name(call.Name)](ctx, call.Args)
	if err != nil {
		r.log.Debug("tool failed", "agent", r.deps.Agent, "tool", call.Name, "error", err)
		return engine.Fail(err)
	}
	return engine.OK(data)
}

// typed adapts a handler taking decoded arguments.
func typed[A any](fn func(ctx context.Context, args A) (any, error)) handler {
	return func(ctx context.Context, raw map[string]any) (any, error) {
		var args A
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if err := json.Unmarshal(b, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, args)
	}
}
