package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Tool describes one callable tool: its name, description and argument schema.
type Tool struct {
	Name        string
	Description string
	SchemaJSON  string

	once      sync.Once
	schema    *gojsonschema.Schema
	schemaErr error
}

// ValidateArgs validates the provided arguments against the tool's JSON schema.
func (t *Tool) ValidateArgs(args map[string]any) error {
	t.once.Do(func() {
		t.schema, t.schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(t.SchemaJSON))
	})
	if t.schemaErr != nil {
		return fmt.Errorf("schema for tool %s is invalid: %w", t.Name, t.schemaErr)
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ToolValidationError{ToolName: t.Name, Errors: msgs}
	}
	return nil
}

// Schema returns the provider-facing schema.
func (t *Tool) Schema() ToolSchema {
	return ToolSchema{Name: t.Name, Description: t.Description, JSONSchema: t.SchemaJSON}
}

// ToolRegistry indexes tools by name.
type ToolRegistry map[string]*Tool

// Register adds t, replacing any tool with the same name.
func (r ToolRegistry) Register(t *Tool) { r[t.Name] = t }

// Schemas returns the schemas sorted by name, so requests are stable.
func (r ToolRegistry) Schemas() []ToolSchema {
	s := make([]ToolSchema, 0, len(r))
	for _, t := range r {
		s = append(s, t.Schema())
	}
	sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
	return s
}

// Names returns the registered names, sorted.
func (r ToolRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
