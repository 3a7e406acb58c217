package agents_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/forge/internal/agents"
	"github.com/ChamsBouzaiene/forge/internal/engine/enginetest"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/knowledge"
	"github.com/ChamsBouzaiene/forge/internal/prompts"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
	"github.com/ChamsBouzaiene/forge/internal/session"
)

const requirementsJSON = `{"summary":"todo","requirements":[{"id":"REQ-1","title":"add items"},{"id":"REQ-2","title":"complete items"}]}`

func newEnv(t *testing.T) (agents.Env, *events.Bus, *session.Manager) {
	t.Helper()
	bus := events.NewBus()
	mgr := session.NewManager(session.ManagerConfig{}, session.WithBus(bus))
	sess := mgr.Create("todo app", "todo", session.Options{})
	budget := resilience.NewBudgetTracker(sess.ID, resilience.BudgetConfig{
		Default: resilience.AgentBudget{Model: "m"},
		Prices:  map[string]resilience.ModelPrice{"m": {InputPerMTok: 1, OutputPerMTok: 2}},
	}, nil, nil)
	return agents.Env{
		SessionID:      sess.ID,
		Store:          knowledge.NewStore(knowledge.Options{}),
		Emitter:        events.NewEmitter(bus, sess.ID),
		Budget:         budget,
		Sessions:       mgr,
		NonInteractive: true,
	}, bus, mgr
}

func runtime(llm *enginetest.ScriptedLLM) *agents.Runtime {
	return &agents.Runtime{LLM: llm, Prompts: prompts.NewDefaultRegistry()}
}

func TestIntakeWritesRequirements(t *testing.T) {
	env, bus, mgr := newEnv(t)
	llm := enginetest.NewScriptedLLM().On("intake",
		enginetest.Calls(enginetest.Call("c1", "write_knowledge", map[string]any{
			"path": agents.RequirementsPath, "content": requirementsJSON, "expected_version": 0,
		})),
		enginetest.Reply("Two requirements captured."),
	)

	res := runtime(llm).Run(context.Background(), agents.Intake(), env, agents.Input{Prompt: "todo app", ProjectName: "todo"})
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, "Two requirements captured.", res.Output)

	reqs, err := agents.ReadRequirements(env.Store)
	require.NoError(t, err)
	assert.Equal(t, []string{"REQ-1", "REQ-2"}, reqs.IDs())

	reqsSent := llm.Requests("intake")
	require.Len(t, reqsSent, 2)
	assert.Contains(t, reqsSent[0].System, `"todo"`)
	assert.Equal(t, "m", reqsSent[0].Model)
	assert.Contains(t, reqsSent[0].Messages[0].Content, "todo app")

	s, err := mgr.Get(env.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.AgentCompleted, s.Agents["intake"].Status)
	assert.Equal(t, 2, s.Agents["intake"].CallsMade)
	assert.Equal(t, 2, s.Usage.Calls)
	assert.Equal(t, 30, s.Usage.TotalTokens)

	var types []events.Type
	for _, e := range bus.History(env.SessionID, 0) {
		types = append(types, e.Type)
	}
	assert.Equal(t, events.AgentStarted, types[0])
	assert.Contains(t, types, events.CostUpdated)
	assert.Equal(t, events.AgentCompleted, types[len(types)-1])
}

func TestMissingOutputFailsTheRun(t *testing.T) {
	env, _, mgr := newEnv(t)
	llm := enginetest.NewScriptedLLM().On("intake", enginetest.Reply("done, trust me"))

	res := runtime(llm).Run(context.Background(), agents.Intake(), env, agents.Input{Prompt: "x", ProjectName: "p"})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, agents.ErrMissingOutput)

	s, _ := mgr.Get(env.SessionID)
	assert.Equal(t, session.AgentError, s.Agents["intake"].Status)
}

func TestRevisionMustWriteNewVersion(t *testing.T) {
	env, _, _ := newEnv(t)
	_, err := env.Store.Write(agents.PlanPath, `{"tasks":[{"id":"T-1","requirements":["REQ-1"]}]}`, knowledge.WriteOptions{})
	require.NoError(t, err)

	llm := enginetest.NewScriptedLLM().On("architect", enginetest.Reply("already fine"))
	res := runtime(llm).Run(context.Background(), agents.Architect(), env, agents.Input{ProjectName: "p", Feedback: "gaps", Iteration: 1})
	assert.ErrorIs(t, res.Err, agents.ErrMissingOutput)
	assert.Contains(t, llm.Requests("architect")[0].Messages[0].Content, "Revision 1")
}

func TestInvalidDocumentFailsCheck(t *testing.T) {
	env, _, _ := newEnv(t)
	llm := enginetest.NewScriptedLLM().On("intake",
		enginetest.Calls(enginetest.Call("c1", "write_knowledge", map[string]any{"path": agents.RequirementsPath, "content": "not json"})),
		enginetest.Reply("ok"),
	)
	res := runtime(llm).Run(context.Background(), agents.Intake(), env, agents.Input{ProjectName: "p"})
	assert.False(t, res.Success)
	assert.ErrorContains(t, res.Err, "invalid JSON")
}

func TestParseDocuments(t *testing.T) {
	reqs, err := agents.ParseRequirements("```json\n" + requirementsJSON + "\n```")
	require.NoError(t, err)
	assert.Len(t, reqs.Requirements, 2)

	_, err = agents.ParseRequirements(`{"requirements":[{"id":"A"},{"id":"A"}]}`)
	assert.ErrorContains(t, err, "duplicate id A")
	_, err = agents.ParseRequirements(`{"requirements":[]}`)
	assert.Error(t, err)

	_, err = agents.ParsePlan(`{"tasks":[]}`)
	assert.Error(t, err)

	rep, err := agents.ParseReport(`{"passed":false}`)
	require.NoError(t, err)
	assert.Len(t, rep.Issues, 1)
}

func TestFormatFeedback(t *testing.T) {
	reqs, err := agents.ParseRequirements(requirementsJSON)
	require.NoError(t, err)
	assert.Equal(t, "Uncovered requirements:\n- REQ-2: complete items", agents.FormatGaps(reqs, []string{"REQ-2"}))

	assert.Equal(t, "- [REQ-1] app.js: no add button (fix: add it)\n- broken",
		agents.FormatIssues([]agents.Issue{
			{Requirement: "REQ-1", File: "app.js", Problem: "no add button", Fix: "add it"},
			{Problem: "broken"},
		}))
}
