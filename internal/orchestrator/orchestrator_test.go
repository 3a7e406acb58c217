package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/forge/internal/agents"
	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/engine/enginetest"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/orchestrator"
	"github.com/ChamsBouzaiene/forge/internal/prompts"
	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/providers/providerstest"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
	"github.com/ChamsBouzaiene/forge/internal/session"
	"github.com/ChamsBouzaiene/forge/internal/webhook"
)

const todoPrompt = "Build a todo app where I can add, complete, delete and filter tasks, and keep them after reload."

var todoRequirements = agents.Requirements{
	Summary: "Single-page todo app",
	Requirements: []agents.Requirement{
		{ID: "REQ-1", Title: "Add tasks", Priority: "must"},
		{ID: "REQ-2", Title: "Complete tasks", Priority: "must"},
		{ID: "REQ-3", Title: "Delete tasks", Priority: "must"},
		{ID: "REQ-4", Title: "Filter tasks", Priority: "should"},
		{ID: "REQ-5", Title: "Persist tasks in local storage", Priority: "must"},
	},
}

func planCovering(ids ...string) agents.Plan {
	return agents.Plan{
		Stack: "html+js",
		Files: []string{"index.html", "app.js", "style.css"},
		Tasks: []agents.PlanTask{
			{ID: "T-1", Title: "Markup", Files: []string{"index.html", "style.css"}, Requirements: ids[:min(2, len(ids))]},
			{ID: "T-2", Title: "Behaviour", Files: []string{"app.js"}, Requirements: ids[min(2, len(ids)):]},
		},
	}
}

func asJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func write(path, content string) enginetest.Step {
	return enginetest.Calls(enginetest.Call("", "write_knowledge", map[string]any{"path": path, "content": content}))
}

type harness struct {
	bus         *events.Bus
	sessions    *session.Manager
	responses   *session.Responses
	llm         *enginetest.ScriptedLLM
	web         *providerstest.Web
	deployer    *providerstest.Deployer
	checkpoints *orchestrator.MemoryCheckpoints
	orch        *orchestrator.Orchestrator
}

func newHarness(t *testing.T, cfg orchestrator.Config) *harness {
	t.Helper()
	bus := events.NewBus()
	h := &harness{
		bus:         bus,
		sessions:    session.NewManager(session.ManagerConfig{}, session.WithBus(bus)),
		responses:   session.NewResponses(bus, nil),
		llm:         enginetest.NewScriptedLLM(),
		web:         providerstest.NewWeb(providers.Page{URL: "https://a.example/todo", Title: "Todo UX", Text: "todo apps filter by status"}, providers.Page{URL: "https://b.example/storage", Title: "localStorage", Text: "todo persistence with localStorage"}),
		deployer:    providerstest.NewDeployer(),
		checkpoints: orchestrator.NewMemoryCheckpoints(),
	}
	policy := resilience.DefaultRetryPolicy()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	guard := resilience.NewGuard(nil, policy, nil)

	if cfg.Budget.Default.Model == "" {
		cfg.Budget = resilience.BudgetConfig{
			Default: resilience.AgentBudget{Model: "test-model"},
			Prices:  map[string]resilience.ModelPrice{"test-model": {InputPerMTok: 3, OutputPerMTok: 15}},
		}
	}
	h.orch = orchestrator.New(cfg, orchestrator.Deps{
		Runtime:     &agents.Runtime{LLM: h.llm, Prompts: prompts.NewDefaultRegistry(), Guard: guard},
		Bus:         bus,
		Sessions:    h.sessions,
		Responses:   h.responses,
		Checkpoints: h.checkpoints,
		Web:         h.web,
		Deployer:    h.deployer,
	})
	return h
}

func (h *harness) scriptIntake(t *testing.T) {
	h.llm.On(prompts.Intake,
		enginetest.Calls(enginetest.Call("", "write_knowledge", map[string]any{
			"path": agents.RequirementsPath, "content": asJSON(t, todoRequirements), "expected_version": 0,
		})),
		enginetest.Reply("Captured 5 requirements."),
	)
}

func (h *harness) scriptResearch() {
	h.llm.On(prompts.Research,
		enginetest.Calls(enginetest.Call("", "web_search", map[string]any{"query": "todo"})),
		enginetest.Calls(enginetest.Call("", "web_fetch", map[string]any{"url": "https://a.example/todo"})),
		enginetest.Calls(enginetest.Call("", "web_fetch", map[string]any{"url": "https://b.example/storage"})),
		write(agents.ResearchSummaryPath, "Use localStorage; filters all/active/done."),
		enginetest.Reply("Research done."),
	)
}

func (h *harness) scriptArchitect(t *testing.T, ids ...string) {
	h.llm.On(prompts.Architect, write(agents.PlanPath, asJSON(t, planCovering(ids...))), enginetest.Reply("Plan written."))
}

func (h *harness) scriptBuilder() {
	h.llm.On(prompts.Builder,
		enginetest.Calls(
			enginetest.Call("", "write_file", map[string]any{"path": "index.html", "content": "<ul id=todos></ul>"}),
			enginetest.Call("", "write_file", map[string]any{"path": "app.js", "content": "localStorage.todos ??= '[]'"}),
			enginetest.Call("", "write_file", map[string]any{"path": "style.css", "content": ".done{text-decoration:line-through}"}),
		),
		enginetest.Reply("Files written."),
	)
}

func (h *harness) scriptVerifier(t *testing.T, report agents.Report) {
	h.llm.On(prompts.Verifier, write(agents.ReportPath, asJSON(t, report)), enginetest.Reply("Verified."))
}

func (h *harness) scriptDeployer() {
	h.llm.On(prompts.Deployer,
		enginetest.Calls(enginetest.Call("", "deploy", map[string]any{})),
		enginetest.Reply("Deployed."),
	)
}

func (h *harness) history(id string) []events.Event { return h.bus.History(id, 0) }

func ofType(evs []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func phasesStarted(evs []events.Event) []string {
	var out []string
	for _, e := range ofType(evs, events.PhaseStarted) {
		out = append(out, e.Payload["phase"].(string))
	}
	return out
}

func generate(t *testing.T, h *harness, opts session.Options) orchestrator.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, _ := h.orch.Generate(ctx, orchestrator.Request{Prompt: todoPrompt, ProjectName: "todo", Options: opts})
	return res
}

func TestTransitionTable(t *testing.T) {
	allowed := map[orchestrator.Phase][]orchestrator.Phase{
		orchestrator.PhaseIdle:           {orchestrator.PhaseIntake},
		orchestrator.PhasePlanValidation: {orchestrator.PhaseBuilding, orchestrator.PhaseArchitecture, orchestrator.PhaseFailed, orchestrator.PhaseAborted},
		orchestrator.PhaseVerification:   {orchestrator.PhaseDeployment, orchestrator.PhaseBuilding, orchestrator.PhaseComplete, orchestrator.PhaseFailed, orchestrator.PhaseAborted},
	}
	all := append([]orchestrator.Phase{orchestrator.PhaseIdle, orchestrator.PhaseComplete, orchestrator.PhaseFailed, orchestrator.PhaseAborted}, orchestrator.Phases...)
	for from, tos := range allowed {
		for _, to := range all {
			want := false
			for _, ok := range tos {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, orchestrator.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, orchestrator.CanTransition(orchestrator.PhaseIntake, orchestrator.PhaseBuilding))
	assert.False(t, orchestrator.CanTransition(orchestrator.PhaseComplete, orchestrator.PhaseIntake))
	assert.False(t, orchestrator.CanTransition(orchestrator.PhaseIdle, orchestrator.PhaseAborted))
	for _, p := range []orchestrator.Phase{orchestrator.PhaseComplete, orchestrator.PhaseFailed, orchestrator.PhaseAborted} {
		assert.True(t, p.Terminal())
	}
}

func TestValidatePlanCoverage(t *testing.T) {
	tests := []struct {
		name     string
		ids      []string
		percent  int
		complete bool
		gaps     []string
	}{
		{"full", []string{"REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5"}, 100, true, nil},
		{"three of five", []string{"REQ-1", "REQ-3", "REQ-5"}, 60, false, []string{"REQ-2", "REQ-4"}},
		{"two of five", []string{"REQ-2", "REQ-4"}, 40, false, []string{"REQ-1", "REQ-3", "REQ-5"}},
		{"none", []string{}, 0, false, []string{"REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cov := orchestrator.ValidatePlanCoverage(todoRequirements, planCovering(tt.ids...))
			assert.Equal(t, 5, cov.Total)
			assert.Equal(t, len(tt.ids), cov.Covered)
			assert.Equal(t, tt.percent, cov.Percent)
			assert.Equal(t, tt.complete, cov.IsComplete)
			assert.Equal(t, tt.gaps, cov.Gaps)
		})
	}

	reqs := agents.Requirements{Requirements: []agents.Requirement{{ID: "A"}, {ID: "B"}, {ID: "C"}}}
	cov := orchestrator.ValidatePlanCoverage(reqs, agents.Plan{Tasks: []agents.PlanTask{{Requirements: []string{"A", "A", "B", "Z"}}}})
	assert.Equal(t, 67, cov.Percent)
	assert.Equal(t, []string{"Z"}, cov.Unknown)
}

func TestTodoAppEndToEnd(t *testing.T) {
	h := newHarness(t, orchestrator.Config{})
	h.web.FailOn[2] = true
	h.scriptIntake(t)
	h.scriptResearch()
	h.scriptArchitect(t, "REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5")
	h.scriptBuilder()
	h.scriptVerifier(t, agents.Report{Passed: true})
	h.scriptDeployer()

	res := generate(t, h, session.Options{})
	require.Equal(t, session.StatusCompleted, res.Status, res.Error)
	assert.Equal(t, orchestrator.PhaseComplete, res.Phase)
	assert.Equal(t, "https://todo.example.test", res.DeploymentURL)

	docs, err := h.orch.Documents(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, docs[agents.RequirementsPath].Version)
	assert.Equal(t, "intake", docs[agents.RequirementsPath].CreatedBy)

	require.NotNil(t, res.Coverage)
	assert.Equal(t, 5, res.Coverage.Covered)
	assert.Equal(t, 100, res.Coverage.Percent)
	assert.True(t, res.Coverage.IsComplete)

	// three logical outbound calls, the second failed once and was retried
	assert.Equal(t, 4, h.web.Calls())
	assert.Equal(t, 1, h.web.Failures())
	assert.Len(t, h.deployer.Deployed("todo"), 3)

	evs := h.history(res.SessionID)
	assert.Equal(t, events.GenerationStarted, evs[0].Type)
	assert.Equal(t, events.GenerationCompleted, evs[len(evs)-1].Type)
	assert.Equal(t, []string{"intake", "research", "architecture", "plan_validation", "building", "verification", "deployment"}, phasesStarted(evs))
	assert.Len(t, ofType(evs, events.FileCreated), 3)
	assert.Len(t, ofType(evs, events.CheckpointSaved), 7)
	assert.NotEmpty(t, ofType(evs, events.KnowledgeWritten))
	assert.NotEmpty(t, ofType(evs, events.CostUpdated))
	for i := 1; i < len(evs); i++ {
		assert.Equal(t, evs[i-1].Seq+1, evs[i].Seq)
	}

	for _, rec := range res.Phases {
		assert.Equal(t, orchestrator.StatusCompleted, rec.Status, rec.ID)
	}
	assert.Equal(t, 15, res.Usage.Calls)
	assert.Greater(t, res.Usage.CostUSD, 0.0)
	assert.Contains(t, res.Summary, "Generated 3 files")

	s, err := h.sessions.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, "complete", s.Phase)
	assert.Equal(t, 15, s.Usage.Calls)

	got, ok := h.orch.Result(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, res.Summary, got.Summary)
}

func TestPlanRevisionLoop(t *testing.T) {
	h := newHarness(t, orchestrator.Config{})
	h.scriptIntake(t)
	h.scriptResearch()
	h.scriptArchitect(t, "REQ-1", "REQ-2", "REQ-3")
	h.scriptArchitect(t, "REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5")
	h.scriptBuilder()
	h.scriptVerifier(t, agents.Report{Passed: true})

	res := generate(t, h, session.Options{SkipDeployment: true})
	require.Equal(t, session.StatusCompleted, res.Status, res.Error)

	evs := h.history(res.SessionID)
	reverted := ofType(evs, events.PhaseReverted)
	require.Len(t, reverted, 1)
	assert.Equal(t, "architecture", reverted[0].Payload["to"])
	assert.Equal(t, []string{"REQ-4", "REQ-5"}, reverted[0].Payload["items"])
	assert.Len(t, ofType(evs, events.PhaseSkipped), 1)
	assert.Len(t, ofType(evs, events.FileCreated), 3)

	second := h.llm.Requests(prompts.Architect)[2]
	assert.Contains(t, second.Messages[0].Content, "REQ-4: Filter tasks")

	for _, rec := range res.Phases {
		switch rec.ID {
		case orchestrator.PhaseArchitecture, orchestrator.PhasePlanValidation:
			assert.Equal(t, 2, rec.Attempts)
		case orchestrator.PhaseDeployment:
			assert.Equal(t, orchestrator.StatusSkipped, rec.Status)
		}
	}
	assert.Empty(t, h.deployer.Deployed("todo"))

	s, err := h.sessions.Get(res.SessionID)
	require.NoError(t, err)
	architect := s.Agents[prompts.Architect]
	calls := len(h.llm.Requests(prompts.Architect))
	require.Equal(t, 4, calls)
	assert.Equal(t, calls, architect.CallsMade, "calls accumulate across plan revisions")
	assert.Equal(t, 15*calls, architect.TokensUsed)
}

func TestPlanRevisionsExhausted(t *testing.T) {
	h := newHarness(t, orchestrator.Config{MaxPlanRevisions: 2})
	h.scriptIntake(t)
	h.scriptResearch()
	for i := 0; i < 3; i++ {
		h.scriptArchitect(t, "REQ-1", "REQ-2")
	}

	res := generate(t, h, session.Options{})
	require.Equal(t, session.StatusFailed, res.Status)
	assert.Equal(t, orchestrator.PhasePlanValidation, res.Phase)

	var covErr *orchestrator.PlanCoverageError
	require.ErrorAs(t, res.Err, &covErr)
	assert.Equal(t, 2, covErr.Revisions)
	assert.Equal(t, []string{"REQ-3", "REQ-4", "REQ-5"}, covErr.Coverage.Gaps)

	evs := h.history(res.SessionID)
	assert.Len(t, ofType(evs, events.PhaseReverted), 2)
	last := evs[len(evs)-1]
	require.Equal(t, events.GenerationFailed, last.Type)
	assert.NotEmpty(t, last.Payload["artifacts"])
	assert.Contains(t, last.Payload["error"], "plan coverage incomplete")

	paths := map[string]bool{}
	for _, a := range res.Artifacts {
		paths[a.Path] = true
	}
	assert.True(t, paths[agents.RequirementsPath])
	assert.True(t, paths[agents.PlanPath])

	s, _ := h.sessions.Get(res.SessionID)
	assert.Equal(t, session.StatusFailed, s.Status)
}

func TestVerificationFixLoop(t *testing.T) {
	h := newHarness(t, orchestrator.Config{})
	h.scriptIntake(t)
	h.scriptResearch()
	h.scriptArchitect(t, "REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5")
	h.scriptBuilder()
	h.scriptVerifier(t, agents.Report{Issues: []agents.Issue{{Requirement: "REQ-4", File: "app.js", Problem: "no filter"}}})
	h.llm.On(prompts.Builder,
		enginetest.Calls(enginetest.Call("", "write_file", map[string]any{"path": "app.js", "content": "filter()"})),
		enginetest.Reply("Fixed."),
	)
	h.scriptVerifier(t, agents.Report{Passed: true})
	h.scriptDeployer()

	res := generate(t, h, session.Options{})
	require.Equal(t, session.StatusCompleted, res.Status, res.Error)

	evs := h.history(res.SessionID)
	reverted := ofType(evs, events.PhaseReverted)
	require.Len(t, reverted, 1)
	assert.Equal(t, "building", reverted[0].Payload["to"])
	assert.Len(t, ofType(evs, events.FileCreated), 3)

	fix := h.llm.Requests(prompts.Builder)[2]
	assert.Contains(t, fix.Messages[0].Content, "[REQ-4] app.js: no filter")
}

func TestVerificationFixesExhausted(t *testing.T) {
	h := newHarness(t, orchestrator.Config{MaxFixIterations: 1})
	h.scriptIntake(t)
	h.scriptResearch()
	h.scriptArchitect(t, "REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5")
	failing := agents.Report{Issues: []agents.Issue{{Problem: "broken"}}}
	h.scriptBuilder()
	h.scriptVerifier(t, failing)
	h.scriptBuilder()
	h.scriptVerifier(t, failing)

	res := generate(t, h, session.Options{})
	require.Equal(t, session.StatusFailed, res.Status)
	var verr *orchestrator.VerificationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, 1, verr.Iterations)
}

func TestBudgetExceededFailsThePhase(t *testing.T) {
	h := newHarness(t, orchestrator.Config{Budget: resilience.BudgetConfig{
		Default: resilience.AgentBudget{Model: "m"},
		Agents:  map[string]resilience.AgentBudget{prompts.Intake: {MaxCalls: 1}},
	}})
	h.scriptIntake(t)

	res := generate(t, h, session.Options{})
	require.Equal(t, session.StatusFailed, res.Status)
	assert.Equal(t, orchestrator.PhaseIntake, res.Phase)
	var be *resilience.BudgetExceededError
	assert.ErrorAs(t, res.Err, &be)
}

func TestAbortWhileWaitingForUser(t *testing.T) {
	h := newHarness(t, orchestrator.Config{})
	h.llm.On(prompts.Intake, enginetest.Calls(enginetest.Call("", "ask_user", map[string]any{"question": "Dark mode?", "type": "confirm"})))

	sess, err := h.orch.Start(context.Background(), orchestrator.Request{Prompt: todoPrompt, ProjectName: "todo", Options: session.Options{Interactive: true}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.responses.Pending(sess.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	s, _ := h.sessions.Get(sess.ID)
	assert.Equal(t, session.AgentWaitingForUser, s.Agents[prompts.Intake].Status)

	require.True(t, h.orch.Abort(sess.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.orch.Wait(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, session.StatusAborted, res.Status)
	assert.Equal(t, orchestrator.PhaseIntake, res.Phase)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, h.responses.Pending(sess.ID))

	evs := h.history(sess.ID)
	assert.Equal(t, events.GenerationAborted, evs[len(evs)-1].Type)
	assert.True(t, h.bus.Closed(sess.ID))
	assert.False(t, h.orch.Abort(sess.ID))

	s, _ = h.sessions.Get(sess.ID)
	assert.Equal(t, session.StatusAborted, s.Status)
}

func TestAnswerUnblocksAgent(t *testing.T) {
	h := newHarness(t, orchestrator.Config{})
	h.llm.On(prompts.Intake,
		enginetest.Calls(enginetest.Call("", "ask_user", map[string]any{"question": "Which filters?", "options": []string{"status", "date"}})),
		func(req engine.ChatRequest) (engine.LLMResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			if !assert.Contains(t, last.Content, `"answer":"status"`) {
				return engine.LLMResponse{}, errors.New("answer not delivered")
			}
			return enginetest.Calls(enginetest.Call("", "write_knowledge", map[string]any{
				"path": agents.RequirementsPath, "content": asJSON(t, todoRequirements),
			}))(req)
		},
		enginetest.Reply("ok"),
	)
	h.scriptResearch()
	h.scriptArchitect(t, "REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5")
	h.scriptBuilder()
	h.scriptVerifier(t, agents.Report{Passed: true})

	sess, err := h.orch.Start(context.Background(), orchestrator.Request{Prompt: todoPrompt, ProjectName: "todo", Options: session.Options{Interactive: true, SkipDeployment: true}})
	require.NoError(t, err)

	var q session.PendingQuestion
	require.Eventually(t, func() bool {
		p := h.responses.Pending(sess.ID)
		if len(p) == 1 {
			q = p[0]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.responses.Submit(sess.ID, q.ID, "weekly"))
	require.True(t, h.responses.Submit(sess.ID, q.ID, "Status"))
	assert.False(t, h.responses.Submit(sess.ID, q.ID, "status"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.orch.Wait(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, res.Status, res.Error)
	assert.Len(t, ofType(h.history(sess.ID), events.UserInputReceived), 1)
}

func TestResumeFromCheckpoint(t *testing.T) {
	h := newHarness(t, orchestrator.Config{})
	h.scriptIntake(t)
	h.scriptResearch()
	// no architect script: the run fails at architecture

	res := generate(t, h, session.Options{SkipDeployment: true})
	require.Equal(t, session.StatusFailed, res.Status)
	assert.Equal(t, orchestrator.PhaseArchitecture, res.Phase)

	phase, _, ok, err := h.checkpoints.LatestCheckpoint(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "research", phase)

	h.scriptArchitect(t, "REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5")
	h.scriptBuilder()
	h.scriptVerifier(t, agents.Report{Passed: true})

	sess, err := h.orch.Resume(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resumed, err := h.orch.Wait(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, resumed.Status, resumed.Error)

	assert.Len(t, h.llm.Requests(prompts.Intake), 2, "intake must not run again")
	docs, err := h.orch.Documents(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, docs[agents.RequirementsPath].Version)

	evs := h.history(sess.ID)
	assert.Equal(t, events.GenerationCompleted, evs[len(evs)-1].Type)
	started := ofType(evs, events.GenerationStarted)
	require.Len(t, started, 2)
	assert.Equal(t, true, started[1].Payload["resumed"])
	assert.Equal(t, "architecture", started[1].Payload["from"])

	_, err = h.orch.Resume(context.Background(), "nope")
	assert.ErrorIs(t, err, orchestrator.ErrNoCheckpoint)
	_, err = h.orch.Resume(context.Background(), sess.ID)
	assert.ErrorContains(t, err, "already reached complete")
}

// oneShot answers every agent statelessly so that concurrent sessions can
// share one script: the first call writes the agent's output, the next one
// finishes.
func oneShot(t *testing.T) enginetest.Step {
	docs := map[string]enginetest.Step{
		prompts.Intake:    write(agents.RequirementsPath, asJSON(t, todoRequirements)),
		prompts.Research:  write(agents.ResearchSummaryPath, "localStorage"),
		prompts.Architect: write(agents.PlanPath, asJSON(t, planCovering("REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5"))),
		prompts.Builder:   enginetest.Calls(enginetest.Call("", "write_file", map[string]any{"path": "index.html", "content": "<ul></ul>"})),
		prompts.Verifier:  write(agents.ReportPath, asJSON(t, agents.Report{Passed: true})),
	}
	return func(req engine.ChatRequest) (engine.LLMResponse, error) {
		if len(req.Messages) > 1 {
			return enginetest.Reply("done")(req)
		}
		step, ok := docs[req.Agent]
		if !ok {
			return engine.LLMResponse{}, fmt.Errorf("unexpected agent %s", req.Agent)
		}
		return step(req)
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, orchestrator.Config{})
	h.llm.Otherwise(oneShot(t))

	const n = 3
	ids := make([]string, n)
	for i := range ids {
		sess, err := h.orch.Start(context.Background(), orchestrator.Request{
			Prompt: todoPrompt, ProjectName: fmt.Sprintf("todo-%d", i), Options: session.Options{SkipDeployment: true},
		})
		require.NoError(t, err)
		ids[i] = sess.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		res, err := h.orch.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, res.Status, res.Error)
		docs, err := h.orch.Documents(id)
		require.NoError(t, err)
		assert.Equal(t, 1, docs[agents.RequirementsPath].Version)
		assert.Equal(t, 1, docs["/files/index.html"].Version)
		for _, e := range h.history(id) {
			assert.Equal(t, id, e.SessionID)
		}
	}
	assert.Zero(t, h.orch.Running())
}

func TestTaskCompletedChargesOnce(t *testing.T) {
	h := newHarness(t, orchestrator.Config{})
	h.llm.On(prompts.Intake, enginetest.Calls(enginetest.Call("", "ask_user", map[string]any{"question": "?"})))
	sess, err := h.orch.Start(context.Background(), orchestrator.Request{Prompt: todoPrompt, Options: session.Options{Interactive: true}})
	require.NoError(t, err)
	defer h.orch.Abort(sess.ID)

	receiver := webhook.NewReceiver(webhook.NewMemoryTaskStore(), webhook.NewSigner([]byte("secret"), ""), h.orch.TaskCompleted, nil)
	task, err := receiver.Register(context.Background(), sess.ID, "image")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"requestId":%q,"taskId":%q,"status":"success","costUsd":0.25}`, task.RequestID, task.ID))
	token, err := webhook.NewSigner([]byte("secret"), "").Sign(body, time.Minute)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.responses.Pending(sess.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	costsBefore := len(ofType(h.history(sess.ID), events.CostUpdated))

	_, err = receiver.Handle(context.Background(), "Bearer "+token, body)
	require.NoError(t, err)
	costsAfterFirst := len(ofType(h.history(sess.ID), events.CostUpdated))
	assert.Equal(t, costsBefore+1, costsAfterFirst)

	_, err = receiver.Handle(context.Background(), "Bearer "+token, body)
	require.NoError(t, err)
	assert.Equal(t, costsAfterFirst, len(ofType(h.history(sess.ID), events.CostUpdated)), "a duplicate delivery is not charged")

	evs := ofType(h.history(sess.ID), events.WebhookTaskComplete)
	require.Len(t, evs, 1)
	assert.Equal(t, "completed", evs[0].Payload["status"])

	require.True(t, h.orch.Abort(sess.ID))
	res, err := h.orch.Wait(context.Background(), sess.ID)
	require.NoError(t, err)
	var charged float64
	for _, u := range res.Agents {
		charged += u.ChargedUSD
	}
	assert.InDelta(t, 0.25, charged, 1e-9)
	llmCost := (10*3.0 + 5*15.0) / 1e6
	assert.InDelta(t, 0.25+llmCost, res.Usage.CostUSD, 1e-9)
}
