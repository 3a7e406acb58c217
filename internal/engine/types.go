package engine

import (
	"context"
	"fmt"
)

// MessageRole represents the role of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ChatMessage is the provider-agnostic message we pass around.
type ChatMessage struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"toolCallId,omitempty"` // tool messages: the call they answer
	// ToolCalls are kept on assistant messages so providers can rebuild the
	// tool_use / tool_calls blocks on the next request.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Validate checks if the ChatMessage is valid.
func (m ChatMessage) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role: %s", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool messages must carry a tool call id")
	}
	return nil
}

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add returns u + o.
func (u Usage) Add(o Usage) Usage {
	return Usage{Prompt: u.Prompt + o.Prompt, Completion: u.Completion + o.Completion, Total: u.Total + o.Total}
}

// ToolCall represents a function/tool the assistant requested.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	// Error is set by the provider when the call arguments could not be
	// decoded. The call is answered with the error instead of executed.
	Error string `json:"error,omitempty"`
}

// LLMResponse is a normalized result of one chat call.
type LLMResponse struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string // "stop" | "length" | "tool_calls" | "content_filter"
}

// FinishLength marks a reply cut off at the output token limit.
const FinishLength = "length"

// ChatRequest is one model call.
type ChatRequest struct {
	Agent           string // caller, for routing and logs
	Model           string
	System          string
	Messages        []ChatMessage
	Tools           []ToolSchema
	Temperature     float32
	MaxOutputTokens int
}

// LLMClient abstracts the chosen SDK (OpenAI, Anthropic, etc.).
type LLMClient interface {
	Chat(ctx context.Context, req ChatRequest) (LLMResponse, error)
}

// ToolSchema is the JSON schema the provider expects for function calling.
type ToolSchema struct {
	Name        string
	Description string
	JSONSchema  string // raw JSON
}

// ToolResult is the uniform outcome of a tool call, serialised as the tool
// message content.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK returns a successful result.
func OK(data any) ToolResult { return ToolResult{Success: true, Data: data} }

// Fail returns a failed result.
func Fail(err error) ToolResult { return ToolResult{Error: err.Error()} }

// Router dispatches tool calls. Tool failures are reported in the result;
// the loop only stops when ctx is done.
type Router interface {
	Schemas() []ToolSchema
	Dispatch(ctx context.Context, call ToolCall) ToolResult
}
