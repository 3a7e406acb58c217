// Package prompts holds the versioned system prompts of the agents. Operators
// can override any prompt by dropping <id>.md into an override directory;
// changes are picked up without a restart.
package prompts

// PromptVersion represents a version identifier for prompts.
type PromptVersion string

const (
	// PromptV1 is the first version of prompts.
	PromptV1 PromptVersion = "1.0.0"
	// PromptOverride marks a prompt loaded from the override directory.
	PromptOverride PromptVersion = "override"
)

// Prompt represents a versioned prompt with metadata.
type Prompt struct {
	ID          string        // Agent name, e.g. "intake"
	Version     PromptVersion // Version of this prompt
	Content     string        // The actual prompt text
	Description string        // Human-readable description
	Tags        []string      // Tags for categorization
	Deprecated  bool          // True if this version is deprecated
}
