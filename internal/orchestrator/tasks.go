package orchestrator

import (
	"context"

	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/webhook"
)

// TaskCompleted applies a workflow-engine task completion to its session:
// the task's cost is charged to the session budget and the completion is
// published. The webhook receiver calls it once per task.
func (o *Orchestrator) TaskCompleted(_ context.Context, t webhook.Task) {
	o.mu.Lock()
	r, ok := o.runs[t.SessionID]
	o.mu.Unlock()

	payload := map[string]any{
		"taskId":    t.ID,
		"requestId": t.RequestID,
		"kind":      t.Kind,
		"status":    string(t.Status),
		"costUsd":   t.CostUSD,
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}
	o.deps.Bus.Publish(t.SessionID, events.WebhookTaskComplete, payload, events.Meta{})

	if !ok {
		o.log.Warn("task completed for unknown session", "session", t.SessionID, "task", t.ID)
		return
	}
	if t.CostUSD > 0 {
		agent := "task:" + t.Kind
		r.budget.Charge(agent, t.CostUSD)
		totals := r.budget.Totals()
		r.emitter.Emit(events.CostUpdated, map[string]any{
			"calls":   totals.Calls,
			"tokens":  totals.TotalTokens,
			"costUsd": totals.CostUSD,
		})
	}
}
