package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/forge/internal/engine"
)

// LLMConfig selects and configures a model provider.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
}

type preset struct {
	model   string
	baseURL string
	// local servers accept any key
	keyless string
}

// OpenAI-compatible endpoints.
var presets = map[string]preset{
	"openai":   {model: "gpt-4o-mini"},
	"kimi":     {model: "kimi-k2-250711", baseURL: "https://ark.ap-southeast.bytepluses.com/api/v3"},
	"gemini":   {model: "gemini-1.5-flash", baseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
	"lmstudio": {model: "local-model", baseURL: "http://localhost:1234/v1", keyless: "lm-studio"},
	"ollama":   {model: "llama3.1", baseURL: "http://localhost:11434/v1", keyless: "ollama"},
	"glm":      {model: "glm-4-plus", baseURL: "https://open.bigmodel.cn/api/paas/v4"},
	"minimax":  {model: "abab6.5s-chat", baseURL: "https://api.minimax.chat/v1"},
	"deepseek": {model: "deepseek-chat", baseURL: "https://api.deepseek.com/v1"},
	"groq":     {model: "llama-3.1-70b-versatile", baseURL: "https://api.groq.com/openai/v1"},
}

const defaultAnthropicModel = "claude-3-5-sonnet-latest"

// SupportedProviders lists the accepted provider names.
func SupportedProviders() []string {
	names := []string{"anthropic"}
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewLLMClient builds the client for cfg and returns the effective default
// model name.
func NewLLMClient(cfg LLMConfig) (engine.LLMClient, string, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = "openai"
	}

	if provider == "anthropic" {
		model := cfg.Model
		if model == "" {
			model = defaultAnthropicModel
		}
		client, err := NewAnthropicClient(cfg.APIKey, model, cfg.BaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Anthropic client: %w", err)
		}
		return client, model, nil
	}

	p, ok := presets[provider]
	if !ok {
		return nil, "", fmt.Errorf("unknown LLM provider: %s (supported: %s)", provider, strings.Join(SupportedProviders(), ", "))
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = p.baseURL
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = p.keyless
	}
	client, err := NewOpenAIClient(apiKey, model, baseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s client: %w", provider, err)
	}
	return client, model, nil
}
