// Package events is the ordered, replayable event log of every generation
// session. Each session has a single append-only stream; subscribers get the
// history they missed followed by live events, in publish order.
package events

import "time"

// Type names an event.
type Type string

const (
	GenerationStarted   Type = "generation:started"
	GenerationCompleted Type = "generation:completed"
	GenerationFailed    Type = "generation:failed"
	GenerationAborted   Type = "generation:aborted"

	PhaseStarted   Type = "phase:started"
	PhaseCompleted Type = "phase:completed"
	PhaseFailed    Type = "phase:failed"
	PhaseSkipped   Type = "phase:skipped"
	PhaseReverted  Type = "phase:reverted"

	AgentStarted   Type = "agent:started"
	AgentMessage   Type = "agent:message"
	AgentToolCall  Type = "agent:tool_call"
	AgentProgress  Type = "agent:progress"
	AgentCompleted Type = "agent:completed"
	AgentError     Type = "agent:error"

	UserInputRequired Type = "user:input_required"
	UserInputReceived Type = "user:input_received"
	UserInputTimeout  Type = "user:input_timeout"

	KnowledgeWritten Type = "knowledge.written"
	KnowledgeUpdated Type = "knowledge.updated"
	KnowledgeDeleted Type = "knowledge.deleted"

	FileCreated         Type = "file:created"
	CheckpointSaved     Type = "checkpoint:saved"
	CostUpdated         Type = "cost:updated"
	WebhookTaskComplete Type = "webhook:task_completed"
)

// Terminal reports whether t ends a session's stream.
func (t Type) Terminal() bool {
	switch t {
	case GenerationCompleted, GenerationFailed, GenerationAborted:
		return true
	}
	return false
}

// Event is immutable once published.
type Event struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId"`
	Agent     string         `json:"agent,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Meta is the optional agent and phase attached to an event.
type Meta struct {
	Agent string
	Phase string
}
