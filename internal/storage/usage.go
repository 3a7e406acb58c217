package storage

import (
	"context"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

var _ resilience.UsageStore = (*DB)(nil)

// SaveUsage implements resilience.UsageStore. The row holds the latest
// cumulative snapshot.
func (d *DB) SaveUsage(ctx context.Context, sessionID string, u resilience.AgentUsage) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO agent_usage (session_id, agent, model, calls, prompt_tokens, completion_tokens,
			total_tokens, charged_usd, cost_usd, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, agent) DO UPDATE SET
			model = excluded.model,
			calls = excluded.calls,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			charged_usd = excluded.charged_usd,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at`,
		sessionID, u.Agent, u.Model, u.Calls, u.PromptTokens, u.CompletionTokens,
		u.TotalTokens, u.ChargedUSD, u.CostUSD, time.Now().UnixMilli())
	return err
}

// ListUsage returns the persisted usage of a session, ordered by agent.
func (d *DB) ListUsage(ctx context.Context, sessionID string) ([]resilience.AgentUsage, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT agent, model, calls, prompt_tokens, completion_tokens, total_tokens, charged_usd, cost_usd
		FROM agent_usage WHERE session_id = ? ORDER BY agent`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []resilience.AgentUsage
	for rows.Next() {
		var u resilience.AgentUsage
		if err := rows.Scan(&u.Agent, &u.Model, &u.Calls, &u.PromptTokens, &u.CompletionTokens,
			&u.TotalTokens, &u.ChargedUSD, &u.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
