package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/forge/internal/engine"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

// AnthropicClient implements engine.LLMClient on the Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient returns a client whose requests default to modelName.
func NewAnthropicClient(apiKey, modelName, baseURL string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(apiKey, opts...),
		model:  modelName,
	}, nil
}

func (c *AnthropicClient) Chat(ctx context.Context, req engine.ChatRequest) (engine.LLMResponse, error) {
	msgs := anthropicMessages(req.Messages)

	var toolDefs []anthropic.ToolDefinition
	for _, ts := range req.Tools {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return engine.LLMResponse{}, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		toolDefs = append(toolDefs, anthropic.ToolDefinition{
			Name:        ts.Name,
			Description: ts.Description,
			InputSchema: schemaObj,
		})
	}

	maxTokens := 4096
	if req.MaxOutputTokens > 0 {
		maxTokens = req.MaxOutputTokens
	}
	temperature := float32(0.1)
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	mreq := anthropic.MessagesRequest{
		Model:       anthropic.Model(model),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if req.System != "" {
		mreq.MultiSystem = []anthropic.MessageSystemPart{{Type: "text", Text: req.System}}
	}
	if len(toolDefs) > 0 {
		mreq.Tools = toolDefs
	}

	resp, err := c.client.CreateMessages(ctx, mreq)
	if err != nil {
		status, retryAfter := anthropicErrorMetadata(err)
		return engine.LLMResponse{}, engine.WrapLLMError(err, status, retryAfter)
	}

	var text string
	var toolCalls []engine.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				text += *block.Text
			}
		case anthropic.MessagesContentTypeToolUse:
			if block.MessageContentToolUse == nil || block.ID == "" || block.Name == "" {
				continue
			}
			call := engine.ToolCall{ID: block.ID, Name: block.Name, Args: map[string]any{}}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &call.Args); err != nil {
					call.Error = fmt.Sprintf("invalid JSON in arguments: %v", err)
				}
			}
			toolCalls = append(toolCalls, call)
		}
	}

	finish := "stop"
	switch {
	case len(toolCalls) > 0:
		finish = "tool_calls"
	case resp.StopReason == anthropic.MessagesStopReasonMaxTokens:
		finish = "length"
	}

	return engine.LLMResponse{
		Text:      text,
		ToolCalls: toolCalls,
		Usage: engine.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: finish,
	}, nil
}

// anthropicMessages converts the transcript. Tool results must follow an
// assistant turn with tool_use blocks, so orphaned ones are dropped.
func anthropicMessages(messages []engine.ChatMessage) []anthropic.Message {
	var out []anthropic.Message
	var pendingToolUse bool
	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleUser:
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
			pendingToolUse = false
		case engine.RoleAssistant:
			var content []anthropic.MessageContent
			if msg.Content != "" {
				content = append(content, anthropic.NewTextMessageContent(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				content = append(content, anthropic.NewToolUseMessageContent(tc.ID, tc.Name, json.RawMessage(argsJSON)))
			}
			out = append(out, anthropic.Message{Role: anthropic.RoleAssistant, Content: content})
			pendingToolUse = len(msg.ToolCalls) > 0
		case engine.RoleTool:
			if !pendingToolUse {
				continue
			}
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			result := anthropic.NewToolResultMessageContent(msg.ToolCallID, content, false)
			// consecutive results share one user turn
			if n := len(out); n > 0 && out[n-1].Role == anthropic.RoleUser && isToolResultTurn(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, result)
				continue
			}
			out = append(out, anthropic.Message{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{result}})
		}
	}
	return out
}

func isToolResultTurn(m anthropic.Message) bool {
	for _, c := range m.Content {
		if c.Type != anthropic.MessagesContentTypeToolResult {
			return false
		}
	}
	return len(m.Content) > 0
}

func anthropicErrorMetadata(err error) (int, string) {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
		_, retryAfter := extractErrorMetadata(err)
		return reqErr.StatusCode, retryAfter
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimitErr():
			return 429, ""
		case apiErr.IsOverloadedErr():
			return 529, ""
		}
	}
	return extractErrorMetadata(err)
}
