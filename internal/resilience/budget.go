package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChamsBouzaiene/forge/internal/logging"
)

// AgentBudget caps one agent. Zero limits are unlimited.
type AgentBudget struct {
	MaxCalls  int    `yaml:"max_calls" json:"maxCalls"`
	MaxTokens int    `yaml:"max_tokens" json:"maxTokens"`
	Model     string `yaml:"model" json:"model"`
}

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input" json:"input"`
	OutputPerMTok float64 `yaml:"output" json:"output"`
}

// TokenUsage is what one model call consumed.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

// AgentUsage is the accumulated consumption of one agent.
type AgentUsage struct {
	Agent            string  `json:"agent"`
	Model            string  `json:"model"`
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	ChargedUSD       float64 `json:"chargedUsd"`
	CostUSD          float64 `json:"costUsd"`
}

// BudgetExceededError is returned by Reserve once an agent has spent its
// budget. The caller should stop, not retry.
type BudgetExceededError struct {
	Agent string
	Limit string // "calls" or "tokens"
	Used  int
	Max   int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for agent %s: %d/%d %s", e.Agent, e.Used, e.Max, e.Limit)
}

// UsageStore persists usage snapshots. Errors are logged and ignored.
type UsageStore interface {
	SaveUsage(ctx context.Context, sessionID string, usage AgentUsage) error
}

// BudgetConfig configures a tracker.
type BudgetConfig struct {
	Default AgentBudget
	Agents  map[string]AgentBudget
	Prices  map[string]ModelPrice
}

// BudgetTracker counts calls and tokens per agent for one session.
type BudgetTracker struct {
	mu        sync.Mutex
	sessionID string
	cfg       BudgetConfig
	usage     map[string]*AgentUsage
	writes    *writeBehind[AgentUsage]
	log       *slog.Logger
}

// NewBudgetTracker returns a tracker for sessionID. store and logger may be
// nil. Usage snapshots reach the store in the background; Flush waits for
// them.
func NewBudgetTracker(sessionID string, cfg BudgetConfig, store UsageStore, logger *slog.Logger) *BudgetTracker {
	b := &BudgetTracker{
		sessionID: sessionID,
		cfg:       cfg,
		usage:     make(map[string]*AgentUsage),
		log:       logging.OrDiscard(logger),
	}
	if store != nil {
		b.writes = newWriteBehind("usage", b.log.With("session", sessionID),
			func(ctx context.Context, _ string, u AgentUsage) error {
				return store.SaveUsage(ctx, sessionID, u)
			})
	}
	return b
}

// Budget returns the effective budget of agent.
func (b *BudgetTracker) Budget(agent string) AgentBudget {
	if ab, ok := b.cfg.Agents[agent]; ok {
		if ab.Model == "" {
			ab.Model = b.cfg.Default.Model
		}
		return ab
	}
	return b.cfg.Default
}

// Reserve accounts for one model call by agent, failing once the call or
// token budget is spent.
func (b *BudgetTracker) Reserve(agent string) error {
	budget := b.Budget(agent)

	b.mu.Lock()
	u := b.usageLocked(agent, budget.Model)
	if budget.MaxCalls > 0 && u.Calls >= budget.MaxCalls {
		b.mu.Unlock()
		return &BudgetExceededError{Agent: agent, Limit: "calls", Used: u.Calls, Max: budget.MaxCalls}
	}
	if budget.MaxTokens > 0 && u.TotalTokens >= budget.MaxTokens {
		b.mu.Unlock()
		return &BudgetExceededError{Agent: agent, Limit: "tokens", Used: u.TotalTokens, Max: budget.MaxTokens}
	}
	u.Calls++
	snap := *u
	b.mu.Unlock()

	b.persist(snap)
	return nil
}

// Record adds the tokens consumed by a call.
func (b *BudgetTracker) Record(agent string, usage TokenUsage) AgentUsage {
	budget := b.Budget(agent)
	total := usage.Total
	if total == 0 {
		total = usage.Prompt + usage.Completion
	}

	b.mu.Lock()
	u := b.usageLocked(agent, budget.Model)
	u.PromptTokens += usage.Prompt
	u.CompletionTokens += usage.Completion
	u.TotalTokens += total
	u.CostUSD = b.price(u.Model, u.PromptTokens, u.CompletionTokens) + u.ChargedUSD
	snap := *u
	b.mu.Unlock()

	b.persist(snap)
	return snap
}

// Usage returns the usage of one agent.
func (b *BudgetTracker) Usage(agent string) AgentUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.usage[agent]; ok {
		return *u
	}
	return AgentUsage{Agent: agent, Model: b.Budget(agent).Model}
}

// All returns the usage of every agent, sorted by name.
func (b *BudgetTracker) All() []AgentUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AgentUsage, 0, len(b.usage))
	for _, u := range b.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Totals aggregates usage across agents.
func (b *BudgetTracker) Totals() AgentUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var t AgentUsage
	for _, u := range b.usage {
		t.Calls += u.Calls
		t.PromptTokens += u.PromptTokens
		t.CompletionTokens += u.CompletionTokens
		t.TotalTokens += u.TotalTokens
		t.ChargedUSD += u.ChargedUSD
		t.CostUSD += u.CostUSD
	}
	return t
}

// EstimateCost returns the session cost in USD from the price table.
func (b *BudgetTracker) EstimateCost() float64 {
	return b.Totals().CostUSD
}

// Charge adds a fixed cost, for example an external task billed by a
// workflow engine callback.
func (b *BudgetTracker) Charge(agent string, usd float64) {
	b.mu.Lock()
	u := b.usageLocked(agent, b.Budget(agent).Model)
	u.ChargedUSD += usd
	u.CostUSD += usd
	snap := *u
	b.mu.Unlock()
	b.persist(snap)
}

func (b *BudgetTracker) usageLocked(agent, model string) *AgentUsage {
	u, ok := b.usage[agent]
	if !ok {
		u = &AgentUsage{Agent: agent, Model: model}
		b.usage[agent] = u
	}
	return u
}

func (b *BudgetTracker) price(model string, prompt, completion int) float64 {
	p, ok := b.cfg.Prices[model]
	if !ok {
		return 0
	}
	return float64(prompt)/1e6*p.InputPerMTok + float64(completion)/1e6*p.OutputPerMTok
}

func (b *BudgetTracker) persist(u AgentUsage) {
	if b.writes != nil {
		b.writes.put(u.Agent, u)
	}
}

// Flush waits until queued usage snapshots have reached the store.
func (b *BudgetTracker) Flush() {
	if b.writes != nil {
		b.writes.flush()
	}
}
