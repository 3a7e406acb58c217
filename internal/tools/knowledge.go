package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/knowledge"
)

type readKnowledgeArgs struct {
	Path    string `json:"path"`
	Version int    `json:"version"`
}

type writeKnowledgeArgs struct {
	Path            string `json:"path"`
	Content         string `json:"content"`
	ExpectedVersion *int   `json:"expected_version"`
}

type searchKnowledgeArgs struct {
	Query        string  `json:"query"`
	Category     string  `json:"category"`
	Limit        int     `json:"limit"`
	MinRelevance float64 `json:"min_relevance"`
}

type listKnowledgeArgs struct {
	Prefix string `json:"prefix"`
}

func readKnowledgeTool() *engine.Tool {
	return &engine.Tool{
		Name: string(ReadKnowledge),
		Description: `Read a document from the shared knowledge store.

Returns the content, version and authorship. Pass version to read a specific
version; omit it for the current one. Use the returned version as
expected_version when you update the document.`,
		SchemaJSON: `{"type":"object","properties":{"path":{"type":"string","description":"Document path, e.g. /requirements/main"},"version":{"type":"integer","minimum":0,"description":"Version to read; 0 or omitted means current"}},"required":["path"],"additionalProperties":false}`,
	}
}

func writeKnowledgeTool() *engine.Tool {
	return &engine.Tool{
		Name: string(WriteKnowledge),
		Description: `Write a document to the shared knowledge store.

When expected_version is given the write only succeeds if the document is
still at that version (0 means it must not exist yet). On a version conflict
read the document again, merge, and retry with the new version.`,
		SchemaJSON: `{"type":"object","properties":{"path":{"type":"string","description":"Document path, e.g. /research/competitors"},"content":{"type":"string","description":"Full document content, usually JSON"},"expected_version":{"type":"integer","minimum":0,"description":"Optimistic lock: the version you last read"}},"required":["path","content"],"additionalProperties":false}`,
	}
}

func searchKnowledgeTool() *engine.Tool {
	return &engine.Tool{
		Name:        string(SearchKnowledge),
		Description: "Search the knowledge store by keywords. Results are ranked by relevance (0..1), then by most recent update.",
		SchemaJSON:  `{"type":"object","properties":{"query":{"type":"string","minLength":1},"category":{"type":"string","description":"First path segment to restrict to, e.g. research"},"limit":{"type":"integer","minimum":1,"maximum":50},"min_relevance":{"type":"number","minimum":0,"maximum":1}},"required":["query"],"additionalProperties":false}`,
	}
}

func listKnowledgeTool() *engine.Tool {
	return &engine.Tool{
		Name:        string(ListKnowledge),
		Description: "List document paths under a prefix. An empty prefix or / lists everything.",
		SchemaJSON:  `{"type":"object","properties":{"prefix":{"type":"string"}},"additionalProperties":false}`,
	}
}

func (r *Router) readKnowledge(_ context.Context, a readKnowledgeArgs) (any, error) {
	doc, err := r.deps.Store.Read(a.Path, a.Version)
	if errors.Is(err, knowledge.ErrNotFound) {
		if a.Version > 0 {
			return nil, fmt.Errorf("document %s has no version %d", a.Path, a.Version)
		}
		return nil, fmt.Errorf("document %s does not exist", a.Path)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":      doc.Path,
		"content":   doc.Content,
		"version":   doc.Version,
		"updatedBy": doc.UpdatedBy,
		"updatedAt": doc.UpdatedAt,
	}, nil
}

func (r *Router) writeKnowledge(_ context.Context, a writeKnowledgeArgs) (any, error) {
	res, err := r.deps.Store.Write(a.Path, a.Content, knowledge.WriteOptions{
		ExpectedVersion: a.ExpectedVersion,
		Author:          r.deps.Agent,
	})
	if err != nil {
		var conflict *knowledge.VersionConflictError
		if errors.As(err, &conflict) {
			return nil, fmt.Errorf("%w; read %s again and retry with expected_version %d", err, a.Path, conflict.Current)
		}
		return nil, err
	}
	return map[string]any{"path": a.Path, "version": res.Version}, nil
}

func (r *Router) searchKnowledge(_ context.Context, a searchKnowledgeArgs) (any, error) {
	limit := a.Limit
	if limit == 0 {
		limit = 10
	}
	hits, err := r.deps.Store.Search(a.Query, knowledge.SearchOptions{
		Category:     a.Category,
		Limit:        limit,
		MinRelevance: a.MinRelevance,
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"path":      h.Document.Path,
			"version":   h.Document.Version,
			"relevance": h.Relevance,
			"excerpt":   excerpt(h.Document.Content, 400),
		})
	}
	return map[string]any{"results": out}, nil
}

func (r *Router) listKnowledge(_ context.Context, a listKnowledgeArgs) (any, error) {
	paths := r.deps.Store.ListPaths(a.Prefix)
	if paths == nil {
		paths = []string{}
	}
	return map[string]any{"paths": paths}, nil
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
