package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// PromptBuilder composes a system prompt from a registered prompt,
// extra sections and {{variable}} substitutions.
type PromptBuilder struct {
	basePrompt *Prompt
	fragments  []string
	variables  map[string]string
}

// NewPromptBuilder starts from the resolved prompt of id (override first).
func NewPromptBuilder(registry *PromptRegistry, id string) (*PromptBuilder, error) {
	basePrompt, err := registry.Resolve(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get base prompt: %w", err)
	}

	return &PromptBuilder{
		basePrompt: basePrompt,
		fragments:  []string{basePrompt.Content},
		variables:  make(map[string]string),
	}, nil
}

// Version is the version of the base prompt.
func (b *PromptBuilder) Version() PromptVersion { return b.basePrompt.Version }

// AddFragment appends a fragment to the prompt.
func (b *PromptBuilder) AddFragment(text string) *PromptBuilder {
	if strings.TrimSpace(text) != "" {
		b.fragments = append(b.fragments, text)
	}
	return b
}

// AddSection appends a titled section, skipped when body is empty.
func (b *PromptBuilder) AddSection(title, body string) *PromptBuilder {
	if strings.TrimSpace(body) == "" {
		return b
	}
	return b.AddFragment(fmt.Sprintf("[%s]\n%s", strings.ToUpper(title), strings.TrimSpace(body)))
}

// SetVariable sets a variable for template substitution.
func (b *PromptBuilder) SetVariable(key, value string) *PromptBuilder {
	b.variables[key] = value
	return b
}

// Build constructs the final prompt. Placeholders without a value are an
// error so a typo in an override never reaches the model.
func (b *PromptBuilder) Build() (string, error) {
	result := strings.Join(b.fragments, "\n\n")

	missing := map[string]struct{}{}
	result = placeholder.ReplaceAllStringFunc(result, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := b.variables[key]; ok {
			return v
		}
		missing[key] = struct{}{}
		return m
	})
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", fmt.Errorf("prompt %s: unresolved variables %s", b.basePrompt.ID, strings.Join(keys, ", "))
	}
	return result, nil
}
