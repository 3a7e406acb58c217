// Package session tracks live generation sessions and the questions their
// agents are waiting on.
package session

import "time"

// Status is the lifecycle of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// AgentStatus is the state of one agent inside a session.
type AgentStatus string

const (
	AgentIdle           AgentStatus = "idle"
	AgentActive         AgentStatus = "active"
	AgentWaitingForUser AgentStatus = "waiting_for_user"
	AgentCompleted      AgentStatus = "completed"
	AgentError          AgentStatus = "error"
)

// AgentState is what the session knows about one agent.
type AgentState struct {
	Status     AgentStatus `json:"status"`
	Progress   int         `json:"progress"`
	Message    string      `json:"message,omitempty"`
	TokensUsed int         `json:"tokensUsed"`
	CallsMade  int         `json:"callsMade"`
}

// Options are the caller's knobs for one generation.
type Options struct {
	SkipDeployment bool          `json:"skipDeployment,omitempty"`
	AskTimeout     time.Duration `json:"askTimeout,omitempty"`
	Interactive    bool          `json:"interactive,omitempty"`
}

// Usage is the accumulated spend of a session.
type Usage struct {
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	CostUSD          float64 `json:"costUsd"`
}

// Session is one generation run.
type Session struct {
	ID          string                `json:"id"`
	Prompt      string                `json:"prompt"`
	ProjectName string                `json:"projectName"`
	Options     Options               `json:"options"`
	Status      Status                `json:"status"`
	Phase       string                `json:"phase"`
	Agents      map[string]AgentState `json:"agents"`
	Usage       Usage                 `json:"usage"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	CompletedAt time.Time             `json:"completedAt,omitempty"`
}

func (s Session) clone() Session {
	agents := make(map[string]AgentState, len(s.Agents))
	for k, v := range s.Agents {
		agents[k] = v
	}
	s.Agents = agents
	return s
}
