package tools

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/knowledge"
)

// FilesPrefix is where generated project files live in the knowledge store.
const FilesPrefix = "/files"

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func writeFileTool() *engine.Tool {
	return &engine.Tool{
		Name: string(WriteFile),
		Description: `Write a project file. path is relative to the project root (e.g. src/App.tsx).

Writing the same path again replaces the file. Write complete file contents,
never fragments or placeholders.`,
		SchemaJSON: `{"type":"object","properties":{"path":{"type":"string","minLength":1,"description":"Project-relative path"},"content":{"type":"string"}},"required":["path","content"],"additionalProperties":false}`,
	}
}

// FileDocPath maps a project-relative file path to its knowledge path.
func FileDocPath(rel string) (string, error) {
	rel = strings.TrimSpace(strings.ReplaceAll(rel, "\\", "/"))
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("file path %q must be relative to the project root", rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("file path %q escapes the project root", rel)
	}
	p := FilesPrefix + "/" + clean
	if err := knowledge.ValidatePath(p); err != nil {
		return "", err
	}
	return p, nil
}

// FileRelPath is the inverse of FileDocPath.
func FileRelPath(docPath string) string {
	return strings.TrimPrefix(docPath, FilesPrefix+"/")
}

func (r *Router) writeFile(_ context.Context, a writeFileArgs) (any, error) {
	p, err := FileDocPath(a.Path)
	if err != nil {
		return nil, err
	}
	res, err := r.deps.Store.Write(p, a.Content, knowledge.WriteOptions{Author: r.deps.Agent})
	if err != nil {
		return nil, err
	}
	rel := FileRelPath(p)
	if res.Version == 1 {
		r.deps.Emitter.Emit(events.FileCreated, map[string]any{"path": rel, "size": len(a.Content)})
	}
	return map[string]any{"path": rel, "version": res.Version, "bytes": len(a.Content)}, nil
}
