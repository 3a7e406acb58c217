package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/logging"
)

// BreakerState is the position of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

const (
	DefaultBreakerThreshold    = 3
	DefaultBreakerResetTimeout = 30 * time.Second
)

// BreakerSnapshot is the persisted form of a breaker.
type BreakerSnapshot struct {
	State       BreakerState
	Failures    int
	OpenedAt    time.Time
	LastFailure time.Time
}

// BreakerStore persists breaker state. Errors are logged and ignored.
type BreakerStore interface {
	LoadBreaker(ctx context.Context, name string) (BreakerSnapshot, bool, error)
	SaveBreaker(ctx context.Context, name string, snap BreakerSnapshot) error
}

// BreakerConfig tunes a breaker. Zero values use the defaults.
type BreakerConfig struct {
	Threshold    int
	ResetTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultBreakerThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultBreakerResetTimeout
	}
	return c
}

// CircuitBreaker stops calling a failing dependency for ResetTimeout after
// Threshold consecutive failures, then lets a single probe through.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	state       BreakerState
	failures    int
	openedAt    time.Time
	lastFailure time.Time
	probing     bool

	cfg    BreakerConfig
	store  BreakerStore
	writes *writeBehind[BreakerSnapshot]
	log    *slog.Logger
	now    func() time.Time
}

// BreakerOption customises a breaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerStore persists state changes to store.
func WithBreakerStore(store BreakerStore) BreakerOption {
	return func(cb *CircuitBreaker) { cb.store = store }
}

// WithBreakerLogger sets the logger.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.log = l }
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker returns a closed breaker. When a store is configured the
// last persisted state is loaded first and state changes are written in the
// background.
func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:  name,
		state: StateClosed,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.log = logging.OrDiscard(cb.log)
	if cb.store != nil {
		cb.writes = newWriteBehind("circuit breaker", cb.log, cb.store.SaveBreaker)
	}
	cb.load()
	return cb
}

// Execute runs fn unless the breaker is open. Cancellation of ctx is not
// counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.recordSuccess()
	case errors.Is(err, context.Canceled):
		cb.releaseProbe()
	default:
		cb.recordFailure()
	}
	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// State returns the current state. An open breaker whose timeout elapsed
// still reports open until a call probes it.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Name returns the resource name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		snap := cb.snapshotLocked()
		cb.mu.Unlock()
		cb.log.Info("circuit breaker half-open", "breaker", cb.name)
		cb.persist(snap)
		return nil
	default:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
		cb.mu.Unlock()
		return nil
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.lastFailure = cb.now()
	tripped := false
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.Threshold {
		tripped = cb.state != StateOpen
		cb.state = StateOpen
		cb.openedAt = cb.lastFailure
		cb.probing = false
	}
	snap := cb.snapshotLocked()
	cb.mu.Unlock()

	if tripped {
		cb.log.Warn("circuit breaker opened", "breaker", cb.name, "failures", snap.Failures)
	}
	cb.persist(snap)
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	changed := cb.state != StateClosed || cb.failures != 0
	wasHalfOpen := cb.state == StateHalfOpen
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	snap := cb.snapshotLocked()
	cb.mu.Unlock()

	if wasHalfOpen {
		cb.log.Info("circuit breaker closed", "breaker", cb.name)
	}
	if changed {
		cb.persist(snap)
	}
}

func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) snapshotLocked() BreakerSnapshot {
	return BreakerSnapshot{
		State:       cb.state,
		Failures:    cb.failures,
		OpenedAt:    cb.openedAt,
		LastFailure: cb.lastFailure,
	}
}

func (cb *CircuitBreaker) load() {
	if cb.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	snap, ok, err := cb.store.LoadBreaker(ctx, cb.name)
	if err != nil {
		cb.log.Debug("circuit breaker state unavailable, starting closed", "breaker", cb.name, "error", err)
		return
	}
	if !ok {
		return
	}
	cb.state = snap.State
	if cb.state == StateHalfOpen {
		// the probe that was in flight is gone
		cb.state = StateOpen
	}
	cb.failures = snap.Failures
	cb.openedAt = snap.OpenedAt
	cb.lastFailure = snap.LastFailure
}

func (cb *CircuitBreaker) persist(snap BreakerSnapshot) {
	if cb.writes != nil {
		cb.writes.put(cb.name, snap)
	}
}

// Flush waits until queued state changes have reached the store.
func (cb *CircuitBreaker) Flush() {
	if cb.writes != nil {
		cb.writes.flush()
	}
}

// BreakerRegistry hands out one breaker per named resource.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
	opts     []BreakerOption
}

// NewBreakerRegistry returns an empty registry; every breaker it creates
// uses cfg and opts.
func NewBreakerRegistry(cfg BreakerConfig, opts ...BreakerOption) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		opts:     opts,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.cfg, r.opts...)
	r.breakers[name] = cb
	return cb
}

// States reports the state of every breaker created so far.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

// Flush waits for the pending writes of every breaker.
func (r *BreakerRegistry) Flush() {
	r.mu.Lock()
	all := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		all = append(all, cb)
	}
	r.mu.Unlock()
	for _, cb := range all {
		cb.Flush()
	}
}
