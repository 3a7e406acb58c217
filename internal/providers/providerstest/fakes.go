// Package providerstest has in-memory web and deploy capabilities for tests.
package providerstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

// ErrUpstream is a transient upstream failure (HTTP 502).
var ErrUpstream = resilience.WrapHTTPError(errors.New("bad gateway"), 502, "")

// Web serves canned pages. FailOn makes the n-th call (1-based, across
// Search and Fetch) fail once with ErrUpstream.
type Web struct {
	mu     sync.Mutex
	Pages  map[string]providers.Page
	FailOn map[int]bool
	calls  int
	failed int
}

// NewWeb returns a fake with the given pages keyed by URL.
func NewWeb(pages ...providers.Page) *Web {
	w := &Web{Pages: make(map[string]providers.Page), FailOn: make(map[int]bool)}
	for _, p := range pages {
		w.Pages[p.URL] = p
	}
	return w
}

func (w *Web) tick() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.FailOn[w.calls] {
		w.failed++
		return ErrUpstream
	}
	return nil
}

// Calls is the number of calls received, including failed ones.
func (w *Web) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// Failures is the number of injected failures.
func (w *Web) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *Web) Search(_ context.Context, query string, limit int) ([]providers.SearchResult, error) {
	if err := w.tick(); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	var urls []string
	for u, p := range w.Pages {
		text := strings.ToLower(p.Title + " " + p.Text)
		for _, t := range terms {
			if strings.Contains(text, t) {
				urls = append(urls, u)
				break
			}
		}
	}
	sort.Strings(urls)
	var out []providers.SearchResult
	for i, u := range urls {
		if limit > 0 && i >= limit {
			break
		}
		p := w.Pages[u]
		out = append(out, providers.SearchResult{Rank: i + 1, Title: p.Title, URL: u, Snippet: p.Text})
	}
	return out, nil
}

func (w *Web) Fetch(_ context.Context, url string) (providers.Page, error) {
	if err := w.tick(); err != nil {
		return providers.Page{}, err
	}
	w.mu.Lock()
	p, ok := w.Pages[url]
	w.mu.Unlock()
	if !ok {
		return providers.Page{}, resilience.WrapHTTPError(fmt.Errorf("no page at %s", url), 404, "")
	}
	return p, nil
}

// Deployer records deployments.
type Deployer struct {
	mu       sync.Mutex
	Err      error
	deployed map[string][]providers.Artifact
}

// NewDeployer returns a deployer that always succeeds.
func NewDeployer() *Deployer {
	return &Deployer{deployed: make(map[string][]providers.Artifact)}
}

func (d *Deployer) Deploy(_ context.Context, projectName string, artifacts []providers.Artifact) (providers.Deployment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return providers.Deployment{}, d.Err
	}
	d.deployed[projectName] = artifacts
	return providers.Deployment{ID: "dep-" + projectName, URL: "https://" + projectName + ".example.test"}, nil
}

// Deployed returns the artifacts of a project's last deployment.
func (d *Deployer) Deployed(projectName string) []providers.Artifact {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deployed[projectName]
}
