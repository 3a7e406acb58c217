package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

func TestNewLLMClient(t *testing.T) {
	client, model, err := NewLLMClient(LLMConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, client)
	assert.Equal(t, defaultAnthropicModel, model)

	client, model, err = NewLLMClient(LLMConfig{Provider: "deepseek", APIKey: "k", Model: "deepseek-coder"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.deepseek.com/v1", client.(*OpenAIClient).baseURL)
	assert.Equal(t, "deepseek-coder", model)

	_, model, err = NewLLMClient(LLMConfig{Provider: "ollama"})
	require.NoError(t, err, "local servers need no key")
	assert.Equal(t, "llama3.1", model)

	_, _, err = NewLLMClient(LLMConfig{Provider: "openai"})
	assert.ErrorContains(t, err, "api key is required")

	_, _, err = NewLLMClient(LLMConfig{Provider: "nope"})
	assert.ErrorContains(t, err, "unknown LLM provider: nope")
	assert.Contains(t, SupportedProviders(), "groq")
}

func transcript() []engine.ChatMessage {
	return []engine.ChatMessage{
		{Role: engine.RoleUser, Content: "build it"},
		{Role: engine.RoleTool, ToolCallID: "orphan", Content: "dropped"},
		{Role: engine.RoleAssistant, ToolCalls: []engine.ToolCall{
			{ID: "c1", Name: "read_knowledge", Args: map[string]any{"path": "/a"}},
			{ID: "c2", Name: "list_knowledge", Args: map[string]any{}},
		}},
		{Role: engine.RoleTool, ToolCallID: "c1", Content: `{"success":true}`},
		{Role: engine.RoleTool, ToolCallID: "c2", Content: ""},
		{Role: engine.RoleAssistant, Content: "done"},
	}
}

func TestOpenAIMessages(t *testing.T) {
	msgs := openaiMessages("be brief", transcript())
	require.Len(t, msgs, 6)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, " ", msgs[2].Content)
	require.Len(t, msgs[2].ToolCalls, 2)
	assert.JSONEq(t, `{"path":"/a"}`, msgs[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c1", msgs[3].ToolCallID)
	assert.Equal(t, "{}", msgs[4].Content)
	assert.Equal(t, "done", msgs[5].Content)
}

func TestAnthropicMessages(t *testing.T) {
	msgs := anthropicMessages(transcript())
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[1].Content, 2)
	assert.Len(t, msgs[2].Content, 2, "both tool results share one user turn")
	assert.True(t, isToolResultTurn(msgs[2]))
}

func TestExtractErrorMetadata(t *testing.T) {
	status, retry := extractErrorMetadata(errors.New("error, status code: 429, Retry-After: 7 please"))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "7", retry)

	status, _ = extractErrorMetadata(errors.New("upstream said 503"))
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, retry = extractErrorMetadata(errors.New("connection reset"))
	assert.Zero(t, status)
	assert.Empty(t, retry)
}

func TestHTTPWebSearch(t *testing.T) {
	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey, gotQuery = r.URL.Query().Get("api_key"), r.URL.Query().Get("q")
		fmt.Fprint(w, `{"organic_results":[{"title":"A","link":"https://a","snippet":"x"},{"title":"B","link":"https://b"},{"title":"C","link":"https://c"}]}`)
	}))
	defer srv.Close()

	web := NewHTTPWeb(WebConfig{SearchEndpoint: srv.URL, SearchAPIKey: "secret"}, srv.Client())
	res, err := web.Search(context.Background(), "todo apps", 2)
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "todo apps", gotQuery)
	require.Len(t, res, 2)
	assert.Equal(t, SearchResult{Rank: 1, Title: "A", URL: "https://a", Snippet: "x"}, res[0])

	_, err = NewHTTPWeb(WebConfig{SearchEndpoint: srv.URL}, nil).Search(context.Background(), "q", 1)
	assert.ErrorContains(t, err, "missing search api key")
}

func TestHTTPWebErrorsAreClassified(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	web := NewHTTPWeb(WebConfig{SearchEndpoint: srv.URL, SearchAPIKey: "secret"}, srv.Client())

	_, err := web.Search(context.Background(), "q", 1)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
	assert.Equal(t, resilience.RetryClassRetryable, resilience.ClassifyError(err))

	status = http.StatusNotFound
	_, err = web.Fetch(context.Background(), srv.URL+"/missing")
	assert.Equal(t, resilience.RetryClassNonRetryable, resilience.ClassifyError(err))
}

func TestHTTPWebFetchExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title> Todo patterns </title><style>p{}</style></head>
<body><nav>menu</nav><h1>Filters</h1><p>Show   all, active
and done.</p><ul><li>Persist</li><li>Undo</li></ul><script>alert(1)</script></body></html>`)
	}))
	defer srv.Close()

	page, err := NewHTTPWeb(WebConfig{}, srv.Client()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Todo patterns", page.Title)
	assert.Equal(t, "Filters\nShow all, active and done.\n- Persist\n- Undo", page.Text)
}

func TestFilterArtifacts(t *testing.T) {
	files := FilterArtifacts([]Artifact{
		{Path: "index.html"},
		{Path: ".env"},
		{Path: "notes/draft.md"},
		{Path: "keys/server.pem"},
		{Path: ".forgeignore", Content: []byte("notes/\n")},
	})
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"index.html"}, paths)
}

func TestDirDeployer(t *testing.T) {
	root := t.TempDir()
	d := NewDirDeployer(root, "https://static.example.test/")

	dep, err := d.Deploy(context.Background(), "My Todo App!", []Artifact{
		{Path: "index.html", Content: []byte("<h1>v1</h1>")},
		{Path: "js/app.js", Content: []byte("1")},
	})
	require.NoError(t, err)
	assert.Equal(t, "my-todo-app", dep.ID)
	assert.Equal(t, "https://static.example.test/my-todo-app/", dep.URL)

	got, err := os.ReadFile(filepath.Join(root, "my-todo-app", "js", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	// redeploy replaces the previous tree
	_, err = d.Deploy(context.Background(), "My Todo App!", []Artifact{{Path: "index.html", Content: []byte("<h1>v2</h1>")}})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(root, "my-todo-app", "js", "app.js"))

	_, err = d.Deploy(context.Background(), "x", []Artifact{{Path: ".env"}})
	assert.ErrorContains(t, err, "nothing to deploy")
}

func TestContainerResources(t *testing.T) {
	res, err := containerResources(DockerConfig{Memory: "128m", CPU: "0.5"})
	require.NoError(t, err)
	assert.Equal(t, int64(128*1024*1024), res.Memory)
	assert.Equal(t, int64(5e8), res.NanoCPUs)
	require.Len(t, res.Ulimits, 1)

	_, err = containerResources(DockerConfig{Memory: "lots"})
	assert.Error(t, err)
	_, err = containerResources(DockerConfig{CPU: "-1"})
	assert.Error(t, err)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "todo-app", Slug("  Todo App "))
	assert.Equal(t, "project", Slug("!!!"))
}
