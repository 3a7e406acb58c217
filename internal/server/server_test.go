package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/forge/internal/agents"
	"github.com/ChamsBouzaiene/forge/internal/engine/enginetest"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/orchestrator"
	"github.com/ChamsBouzaiene/forge/internal/prompts"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
	"github.com/ChamsBouzaiene/forge/internal/session"
	"github.com/ChamsBouzaiene/forge/internal/storage"
	"github.com/ChamsBouzaiene/forge/internal/webhook"
)

type testServer struct {
	*httptest.Server
	bus       *events.Bus
	breakers  *resilience.BreakerRegistry
	orch      *orchestrator.Orchestrator
	sessions  *session.Manager
	responses *session.Responses
	signer    *webhook.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(events.WithJournal(db))
	var orch *orchestrator.Orchestrator
	sessions := session.NewManager(session.ManagerConfig{},
		session.WithBus(bus),
		session.WithArchive(session.NewArchive(t.TempDir())),
		session.WithEvictHook(func(id string) {
			orch.Forget(id)
			bus.Forget(id)
		}))
	responses := session.NewResponses(bus, nil)
	// no scripts: every agent fails on its first model call
	llm := enginetest.NewScriptedLLM()
	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{})
	orch = orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Runtime:   &agents.Runtime{LLM: llm, Prompts: prompts.NewDefaultRegistry(), Guard: resilience.NewGuard(breakers, resilience.DefaultRetryPolicy(), nil)},
		Bus:       bus,
		Sessions:  sessions,
		Responses: responses,
	})
	signer := webhook.NewSigner([]byte("secret"), "")
	receiver := webhook.NewReceiver(webhook.NewMemoryTaskStore(), signer, orch.TaskCompleted, nil)

	srv := httptest.NewServer(New(Config{
		Orchestrator: orch,
		Sessions:     sessions,
		Responses:    responses,
		Bus:          bus,
		Webhooks:     receiver,
		Breakers:     breakers,
		Version:      "test",
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, bus: bus, breakers: breakers, orch: orch, sessions: sessions, responses: responses, signer: signer}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type envelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[map[string]any](t, body)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "test", got["version"])
}

func TestHealthReportsOpenBreakers(t *testing.T) {
	s := newTestServer(t)
	web := s.breakers.Get("web")
	for i := 0; i < resilience.DefaultBreakerThreshold; i++ {
		_ = web.Execute(context.Background(), func(context.Context) error { return assert.AnError })
	}
	s.breakers.Get("deploy")

	status, body := s.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[map[string]any](t, body)
	assert.Equal(t, "degraded", got["status"])
	assert.Equal(t, map[string]any{"web": "open", "deploy": "closed"}, got["breakers"])
}

func TestCreateGenerationRequiresPrompt(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodPost, "/v1/generations", map[string]any{"prompt": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", decode[envelope](t, body).Error.Code)
}

func TestUnknownGenerationIsNotFound(t *testing.T) {
	s := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/generations/nope"},
		{http.MethodPost, "/v1/generations/nope/abort"},
		{http.MethodGet, "/v1/generations/nope/artifacts"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			status, body := s.do(t, tc.method, tc.path, nil, nil)
			assert.Equal(t, http.StatusNotFound, status)
			assert.Equal(t, "not_found", decode[envelope](t, body).Error.Code)
		})
	}

	status, body := s.do(t, http.MethodGet, "/v1/generations/nope/events", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "event: error")
}

func TestGenerationLifecycle(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodPost, "/v1/generations", GenerationRequest{
		Prompt:      "Build a todo app",
		ProjectName: "todo",
		Options:     GenerationOptions{SkipDeployment: true},
	}, nil)
	require.Equal(t, http.StatusAccepted, status, string(body))
	acc := decode[GenerationAccepted](t, body)
	require.NotEmpty(t, acc.SessionID)
	assert.Equal(t, "/v1/generations/"+acc.SessionID+"/events", acc.EventsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.orch.Wait(ctx, acc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, res.Status)

	status, body = s.do(t, http.MethodGet, "/v1/generations/"+acc.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[GenerationResponse](t, body)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.True(t, got.Options.Interactive)
	require.NotNil(t, got.Result)
	assert.NotEmpty(t, got.Result.Summary)

	status, body = s.do(t, http.MethodGet, "/v1/generations", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]session.Session](t, body), 1)

	status, body = s.do(t, http.MethodGet, "/v1/generations/"+acc.SessionID+"/artifacts", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	status, body = s.do(t, http.MethodPost, "/v1/generations/"+acc.SessionID+"/abort", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"aborted":false}`, string(body), "terminal sessions cannot be aborted")

	status, body = s.do(t, http.MethodPost, "/v1/generations/"+acc.SessionID+"/resume", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "no_checkpoint", decode[envelope](t, body).Error.Code)
}

func TestEventStreamReplaysFromCursor(t *testing.T) {
	s := newTestServer(t)
	sess, err := s.orch.Start(context.Background(), orchestrator.Request{Prompt: "Build a todo app"})
	require.NoError(t, err)
	_, err = s.orch.Wait(context.Background(), sess.ID)
	require.NoError(t, err)

	path := "/v1/generations/" + sess.ID + "/events"
	status, body := s.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, status)
	stream := string(body)
	assert.Contains(t, stream, "id: 1\n")
	assert.Contains(t, stream, `"type":"generation:started"`)
	assert.Contains(t, stream, `"type":"generation:failed"`)
	assert.Less(t, strings.Index(stream, "generation:started"), strings.Index(stream, "generation:failed"))

	_, body = s.do(t, http.MethodGet, path, nil, map[string]string{"Last-Event-ID": "2"})
	assert.NotContains(t, string(body), "id: 1\n")
	assert.NotContains(t, string(body), "id: 2\n")
	assert.Contains(t, string(body), "id: 3\n")
	assert.Contains(t, string(body), "generation:failed")

	_, body = s.do(t, http.MethodGet, path+"?lastEventId=1", nil, nil)
	assert.NotContains(t, string(body), "generation:started")
}

func TestEventStreamOfArchivedSession(t *testing.T) {
	s := newTestServer(t)
	sess, err := s.orch.Start(context.Background(), orchestrator.Request{Prompt: "Build a todo app"})
	require.NoError(t, err)
	_, err = s.orch.Wait(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, s.sessions.Remove(sess.ID))
	require.Zero(t, s.bus.Sessions())

	path := "/v1/generations/" + sess.ID + "/events"
	status, body := s.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"type":"generation:started"`)
	assert.Contains(t, string(body), `"type":"generation:failed"`)

	_, body = s.do(t, http.MethodGet, path, nil, map[string]string{"Last-Event-ID": "1"})
	assert.NotContains(t, string(body), "generation:started")
	assert.Contains(t, string(body), "generation:failed")
	assert.Zero(t, s.bus.Sessions(), "replaying an archived session keeps no stream")
}

func TestSubmitAnswer(t *testing.T) {
	s := newTestServer(t)
	sess := s.sessions.Create("prompt", "p", session.Options{Interactive: true})

	answered := make(chan session.Answer, 1)
	go func() {
		a, err := s.responses.Ask(context.Background(), sess.ID, "intake", session.Question{
			Text:    "How often?",
			Type:    session.QuestionChoice,
			Options: []string{"Daily", "Weekly"},
		}, time.Minute)
		assert.NoError(t, err)
		answered <- a
	}()
	require.Eventually(t, func() bool { return len(s.responses.Pending(sess.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)

	status, body := s.do(t, http.MethodGet, "/v1/generations/"+sess.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	pending := decode[GenerationResponse](t, body).Pending
	require.Len(t, pending, 1)
	qid := pending[0].ID

	path := "/v1/generations/" + sess.ID + "/answers"
	_, body = s.do(t, http.MethodPost, path, AnswerRequest{QuestionID: qid, Response: "monthly"}, nil)
	assert.JSONEq(t, `{"accepted":false}`, string(body))

	_, body = s.do(t, http.MethodPost, path, AnswerRequest{QuestionID: qid, Response: "weekly"}, nil)
	assert.JSONEq(t, `{"accepted":true}`, string(body))
	assert.Equal(t, "Weekly", (<-answered).Response)

	_, body = s.do(t, http.MethodPost, path, AnswerRequest{QuestionID: qid, Response: "daily"}, nil)
	assert.JSONEq(t, `{"accepted":false}`, string(body), "nothing pending any more")
}

func TestWebhookCallback(t *testing.T) {
	s := newTestServer(t)
	sess := s.sessions.Create("prompt", "p", session.Options{})

	status, body := s.do(t, http.MethodPost, "/v1/generations/"+sess.ID+"/tasks", map[string]string{"kind": "render"}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	task := decode[webhook.Task](t, body)
	assert.Equal(t, webhook.StatusPending, task.Status)

	payload, err := json.Marshal(webhook.Payload{RequestID: task.RequestID, TaskID: task.ID, Status: "success", CostUSD: 0.5})
	require.NoError(t, err)
	token, err := s.signer.Sign(payload, time.Minute)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	status, body = s.do(t, http.MethodPost, "/v1/webhooks/tasks", payload, auth)
	require.Equal(t, http.StatusOK, status, string(body))
	first := decode[TaskCallbackResponse](t, body)
	assert.False(t, first.Duplicate)
	assert.Equal(t, webhook.StatusCompleted, first.Status)

	status, body = s.do(t, http.MethodPost, "/v1/webhooks/tasks", payload, auth)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[TaskCallbackResponse](t, body).Duplicate)

	status, body = s.do(t, http.MethodPost, "/v1/webhooks/tasks", payload, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", decode[envelope](t, body).Error.Code)
}
