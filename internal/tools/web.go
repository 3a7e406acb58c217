package tools

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

// Resources guarded by circuit breakers.
const (
	ResourceWeb    = "web"
	ResourceDeploy = "deploy"
)

const maxFetchChars = 12000

type webSearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type webFetchArgs struct {
	URL string `json:"url"`
}

func webSearchTool() *engine.Tool {
	return &engine.Tool{
		Name:        string(WebSearch),
		Description: "Search the web. Returns ranked results with title, url and snippet. Use web_fetch to read a result.",
		SchemaJSON:  `{"type":"object","properties":{"query":{"type":"string","minLength":1},"limit":{"type":"integer","minimum":1,"maximum":20}},"required":["query"],"additionalProperties":false}`,
	}
}

func webFetchTool() *engine.Tool {
	return &engine.Tool{
		Name:        string(WebFetch),
		Description: "Fetch a web page and return its readable text (truncated for long pages).",
		SchemaJSON:  `{"type":"object","properties":{"url":{"type":"string","minLength":1}},"required":["url"],"additionalProperties":false}`,
	}
}

func (r *Router) webSearch(ctx context.Context, a webSearchArgs) (any, error) {
	limit := a.Limit
	if limit == 0 {
		limit = 5
	}
	results, err := resilience.Do(ctx, r.deps.Guard, ResourceWeb, func(ctx context.Context) ([]providers.SearchResult, error) {
		return r.deps.Web.Search(ctx, a.Query, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}
	if results == nil {
		results = []providers.SearchResult{}
	}
	return map[string]any{"query": a.Query, "results": results}, nil
}

func (r *Router) webFetch(ctx context.Context, a webFetchArgs) (any, error) {
	u, err := url.Parse(a.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: only absolute http(s) urls can be fetched", a.URL)
	}
	page, err := resilience.Do(ctx, r.deps.Guard, ResourceWeb, func(ctx context.Context) (providers.Page, error) {
		return r.deps.Web.Fetch(ctx, u.String())
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s failed: %w", a.URL, err)
	}
	text := page.Text
	truncated := false
	if rs := []rune(text); len(rs) > maxFetchChars {
		text, truncated = string(rs[:maxFetchChars]), true
	}
	return map[string]any{"url": page.URL, "title": page.Title, "text": text, "truncated": truncated}, nil
}
