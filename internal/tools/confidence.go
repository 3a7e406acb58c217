package tools

import (
	"context"
	"math"
	"sort"

	"github.com/ChamsBouzaiene/forge/internal/engine"
)

// DefaultConfidenceThreshold is the score below which agents should ask.
const DefaultConfidenceThreshold = 0.7

// Confidence factors.
const (
	FactorPromptClarity      = "prompt_clarity"
	FactorDomainFamiliarity  = "domain_familiarity"
	FactorTechnicalCertainty = "technical_certainty"
	FactorScopeDefinition    = "scope_definition"
	FactorEdgeCaseCoverage   = "edge_case_coverage"
)

// DefaultConfidenceWeights sum to 1.
var DefaultConfidenceWeights = map[string]float64{
	FactorPromptClarity:      0.25,
	FactorDomainFamiliarity:  0.15,
	FactorTechnicalCertainty: 0.25,
	FactorScopeDefinition:    0.20,
	FactorEdgeCaseCoverage:   0.15,
}

// ConfidenceConfig tunes assess_confidence. Nil weights use the defaults.
type ConfidenceConfig struct {
	Threshold float64
	Weights   map[string]float64
}

// Assessment is the outcome of Assess.
type Assessment struct {
	Score         float64            `json:"score"`
	Threshold     float64            `json:"threshold"`
	ShouldAskUser bool               `json:"shouldAskUser"`
	Factors       map[string]float64 `json:"factors"`
	Weakest       []string           `json:"weakest,omitempty"`
}

// Assess computes the weighted average of the factor scores. Scores are
// clamped to [0,1]; a missing factor counts as 0.
func Assess(factors map[string]float64, cfg ConfidenceConfig) Assessment {
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = DefaultConfidenceWeights
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultConfidenceThreshold
	}

	var sum, total float64
	used := make(map[string]float64, len(weights))
	for name, w := range weights {
		v := math.Min(1, math.Max(0, factors[name]))
		used[name] = v
		sum += v * w
		total += w
	}
	score := 0.0
	if total > 0 {
		score = math.Round(sum/total*1000) / 1000
	}

	var weak []string
	for name, v := range used {
		if v < threshold {
			weak = append(weak, name)
		}
	}
	sort.Slice(weak, func(i, j int) bool {
		if used[weak[i]] != used[weak[j]] {
			return used[weak[i]] < used[weak[j]]
		}
		return weak[i] < weak[j]
	})

	return Assessment{
		Score:         score,
		Threshold:     threshold,
		ShouldAskUser: score < threshold,
		Factors:       used,
		Weakest:       weak,
	}
}

type assessConfidenceArgs struct {
	PromptClarity      float64 `json:"prompt_clarity"`
	DomainFamiliarity  float64 `json:"domain_familiarity"`
	TechnicalCertainty float64 `json:"technical_certainty"`
	ScopeDefinition    float64 `json:"scope_definition"`
	EdgeCaseCoverage   float64 `json:"edge_case_coverage"`
}

func assessConfidenceTool() *engine.Tool {
	return &engine.Tool{
		Name: string(AssessConfidence),
		Description: `Score your confidence before committing to a plan. Rate each factor from 0 to 1.

If shouldAskUser is true, ask the user about the weakest factors with ask_user
before continuing.`,
		SchemaJSON: `{"type":"object","properties":{"prompt_clarity":{"type":"number","minimum":0,"maximum":1},"domain_familiarity":{"type":"number","minimum":0,"maximum":1},"technical_certainty":{"type":"number","minimum":0,"maximum":1},"scope_definition":{"type":"number","minimum":0,"maximum":1},"edge_case_coverage":{"type":"number","minimum":0,"maximum":1}},"required":["prompt_clarity","domain_familiarity","technical_certainty","scope_definition","edge_case_coverage"],"additionalProperties":false}`,
	}
}

func (r *Router) assessConfidence(_ context.Context, a assessConfidenceArgs) (any, error) {
	return Assess(map[string]float64{
		FactorPromptClarity:      a.PromptClarity,
		FactorDomainFamiliarity:  a.DomainFamiliarity,
		FactorTechnicalCertainty: a.TechnicalCertainty,
		FactorScopeDefinition:    a.ScopeDefinition,
		FactorEdgeCaseCoverage:   a.EdgeCaseCoverage,
	}, r.deps.Confidence), nil
}
