package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

// agentProfiles is the layout of agents.yaml:
//
//	default:
//	  max_calls: 40
//	agents:
//	  research:
//	    max_calls: 12
//	    model: gpt-4o-mini
//	prices:
//	  gpt-4o-mini: {input: 0.15, output: 0.6}
type agentProfiles struct {
	Default resilience.AgentBudget            `yaml:"default"`
	Agents  map[string]resilience.AgentBudget `yaml:"agents"`
	Prices  map[string]resilience.ModelPrice  `yaml:"prices"`
}

// DefaultPrices covers the default models of the built-in providers.
var DefaultPrices = map[string]resilience.ModelPrice{
	"gpt-4o-mini":              {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":                   {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"claude-3-5-sonnet-latest": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"deepseek-chat":            {InputPerMTok: 0.27, OutputPerMTok: 1.10},
}

// LoadAgentProfiles reads per-agent budgets and model prices. An empty path
// yields the defaults.
func LoadAgentProfiles(path string) (resilience.BudgetConfig, error) {
	cfg := resilience.BudgetConfig{Agents: map[string]resilience.AgentBudget{}, Prices: map[string]resilience.ModelPrice{}}
	for k, v := range DefaultPrices {
		cfg.Prices[k] = v
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read agent profiles %s: %w", path, err)
	}
	return parseAgentProfiles(data, cfg)
}

func parseAgentProfiles(data []byte, cfg resilience.BudgetConfig) (resilience.BudgetConfig, error) {
	var p agentProfiles
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("invalid agent profiles: %w", err)
	}
	cfg.Default = p.Default
	for name, b := range p.Agents {
		cfg.Agents[name] = b
	}
	for model, price := range p.Prices {
		cfg.Prices[model] = price
	}
	return cfg, nil
}
