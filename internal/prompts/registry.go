package prompts

import (
	"fmt"
	"sort"
	"sync"
)

// PromptRegistry manages versioned prompts and operator overrides.
type PromptRegistry struct {
	mu        sync.RWMutex
	prompts   map[string]map[PromptVersion]*Prompt // ID -> Version -> Prompt
	overrides map[string]*Prompt
}

// NewPromptRegistry creates an empty registry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{
		prompts:   make(map[string]map[PromptVersion]*Prompt),
		overrides: make(map[string]*Prompt),
	}
}

// NewDefaultRegistry returns a registry holding the built-in agent prompts.
func NewDefaultRegistry() *PromptRegistry {
	r := NewPromptRegistry()
	for _, p := range builtin() {
		r.Register(p)
	}
	return r
}

// Register registers a prompt in the registry.
func (r *PromptRegistry) Register(p *Prompt) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.prompts[p.ID] == nil {
		r.prompts[p.ID] = make(map[PromptVersion]*Prompt)
	}
	r.prompts[p.ID][p.Version] = p
}

// Get retrieves a specific version of a prompt.
func (r *PromptRegistry) Get(id string, version PromptVersion) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == PromptOverride {
		if p, ok := r.overrides[id]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("prompt %s has no override", id)
	}
	versions, ok := r.prompts[id]
	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}
	prompt, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("prompt %s version %s not found", id, version)
	}
	return prompt, nil
}

// GetLatest retrieves the latest (non-deprecated) version of a prompt.
// If all versions are deprecated, returns the most recent version.
func (r *PromptRegistry) GetLatest(id string) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestLocked(id)
}

func (r *PromptRegistry) latestLocked(id string) (*Prompt, error) {
	versions, ok := r.prompts[id]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}

	var latest *Prompt
	for version, prompt := range versions {
		if prompt.Deprecated {
			continue
		}
		if latest == nil || version > latest.Version {
			latest = prompt
		}
	}
	if latest == nil {
		for version, prompt := range versions {
			if latest == nil || version > latest.Version {
				latest = prompt
			}
		}
	}
	return latest, nil
}

// Resolve returns the override of id when one is loaded, else the latest
// registered version.
func (r *PromptRegistry) Resolve(id string) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.overrides[id]; ok {
		return p, nil
	}
	return r.latestLocked(id)
}

// SetOverrides replaces every override at once.
func (r *PromptRegistry) SetOverrides(overrides map[string]string) {
	next := make(map[string]*Prompt, len(overrides))
	for id, content := range overrides {
		next[id] = &Prompt{ID: id, Version: PromptOverride, Content: content, Description: "operator override"}
	}
	r.mu.Lock()
	r.overrides = next
	r.mu.Unlock()
}

// Overrides returns the ids that currently have an override, sorted.
func (r *PromptRegistry) Overrides() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.overrides))
	for id := range r.overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns all prompt IDs in the registry, sorted.
func (r *PromptRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.prompts))
	for id := range r.prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Versions returns all versions for a given prompt ID, sorted.
func (r *PromptRegistry) Versions(id string) []PromptVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.prompts[id]
	if !ok {
		return nil
	}
	result := make([]PromptVersion, 0, len(versions))
	for version := range versions {
		result = append(result, version)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
