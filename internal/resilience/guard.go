package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/logging"
)

// Guard wraps outbound calls to named resources with a breaker per resource
// and a shared retry policy.
type Guard struct {
	breakers *BreakerRegistry
	policy   RetryPolicy
	log      *slog.Logger
}

// NewGuard returns a guard. A nil registry gets a default one.
func NewGuard(breakers *BreakerRegistry, policy RetryPolicy, logger *slog.Logger) *Guard {
	if breakers == nil {
		breakers = NewBreakerRegistry(BreakerConfig{})
	}
	return &Guard{breakers: breakers, policy: policy, log: logging.OrDiscard(logger)}
}

// Breakers exposes the registry.
func (g *Guard) Breakers() *BreakerRegistry { return g.breakers }

// Policy returns the retry policy.
func (g *Guard) Policy() RetryPolicy { return g.policy }

// Do runs fn against resource through its breaker, retrying transient
// failures. Every attempt counts towards the breaker.
func Do[T any](ctx context.Context, g *Guard, resource string, fn func(ctx context.Context) (T, error)) (T, error) {
	cb := g.breakers.Get(resource)
	return Retry(ctx, g.policy,
		func(ctx context.Context) (T, error) { return Call(ctx, cb, fn) },
		ClassifyError,
		func(attempt int, delay time.Duration, err error) {
			g.log.Warn("retrying outbound call",
				"resource", resource,
				"attempt", attempt,
				"delay", delay,
				"error", err)
		},
	)
}
