package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ChamsBouzaiene/forge/internal/engine"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIClient implements engine.LLMClient on chat completions. It also
// serves OpenAI-compatible endpoints through baseURL.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewOpenAIClient returns a client whose requests default to modelName.
func NewOpenAIClient(apiKey, modelName, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(config),
		model:   modelName,
		baseURL: baseURL,
	}, nil
}

func (c *OpenAIClient) Chat(ctx context.Context, req engine.ChatRequest) (engine.LLMResponse, error) {
	var tools []openai.Tool
	for _, ts := range req.Tools {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return engine.LLMResponse{}, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ts.Name,
				Description: ts.Description,
				Parameters:  schemaObj,
			},
		})
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	creq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMessages(req.System, req.Messages),
	}
	if len(tools) > 0 {
		creq.Tools = tools
		creq.ToolChoice = "auto"
	}
	if req.MaxOutputTokens > 0 {
		creq.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature > 0 {
		temperature := req.Temperature
		creq.Temperature = &temperature
	}

	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		status, retryAfter := openaiErrorMetadata(err)
		return engine.LLMResponse{}, engine.WrapLLMError(err, status, retryAfter)
	}
	if len(resp.Choices) == 0 {
		return engine.LLMResponse{}, engine.WrapLLMError(errors.New("empty response from OpenAI"), http.StatusBadGateway, "")
	}
	choice := resp.Choices[0]

	var toolCalls []engine.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		call := engine.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: map[string]any{}}
		switch args := strings.TrimSpace(tc.Function.Arguments); {
		case args == "":
			call.Error = "No arguments received. Please retry with complete arguments."
		default:
			if err := json.Unmarshal([]byte(args), &call.Args); err != nil {
				call.Error = fmt.Sprintf("Invalid JSON in arguments: %v. Please check syntax and retry.", err)
			}
		}
		toolCalls = append(toolCalls, call)
	}

	finish := "stop"
	switch {
	case len(toolCalls) > 0:
		finish = "tool_calls"
	case choice.FinishReason == openai.FinishReasonLength:
		finish = "length"
	case choice.FinishReason == openai.FinishReasonContentFilter:
		finish = "content_filter"
	}

	return engine.LLMResponse{
		Text:      choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: engine.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
		FinishReason: finish,
	}, nil
}

func openaiMessages(system string, messages []engine.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	// tool messages must follow an assistant message with tool_calls
	var pendingToolCalls bool
	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
			pendingToolCalls = false
		case engine.RoleAssistant:
			content := msg.Content
			if content == "" {
				// the SDK serialises "" as null, which the API rejects
				content = " "
			}
			var calls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				calls = append(calls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: calls,
			})
			pendingToolCalls = len(msg.ToolCalls) > 0
		case engine.RoleTool:
			if !pendingToolCalls {
				continue
			}
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Content:    content,
			})
		}
	}
	return out
}

func openaiErrorMetadata(err error) (int, string) {
	_, retryAfter := extractErrorMetadata(err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode, retryAfter
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, retryAfter
	}
	return extractErrorMetadata(err)
}

// extractErrorMetadata guesses the HTTP status and Retry-After value from
// an error message when the SDK error carries neither.
func extractErrorMetadata(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	errStr := err.Error()
	var httpStatus int
	for _, status := range []int{
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusBadRequest,
		http.StatusPaymentRequired,
	} {
		if strings.Contains(errStr, fmt.Sprint(status)) {
			httpStatus = status
			break
		}
	}

	var retryAfter string
	lower := strings.ToLower(errStr)
	for _, marker := range []string{"retry-after", "retry after"} {
		if idx := strings.Index(lower, marker); idx != -1 {
			parts := strings.Fields(strings.TrimLeft(errStr[idx+len(marker):], ": "))
			if len(parts) > 0 {
				retryAfter = parts[0]
			}
			break
		}
	}
	return httpStatus, retryAfter
}
