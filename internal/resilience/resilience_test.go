package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("503 service unavailable")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("llm", BreakerConfig{Threshold: 3, ResetTimeout: 30 * time.Second}, WithBreakerClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	clock.Advance(29 * time.Second)
	err := cb.Execute(ctx, func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("web", BreakerConfig{Threshold: 3, ResetTimeout: 30 * time.Second}, WithBreakerClock(clock.Now))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(31 * time.Second)
	calls := 0
	err := cb.Execute(ctx, func(context.Context) error {
		calls++
		assert.Equal(t, StateHalfOpen, cb.State())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("deploy", BreakerConfig{Threshold: 2, ResetTimeout: time.Minute}, WithBreakerClock(clock.Now))
	ctx := context.Background()
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	clock.Advance(2 * time.Minute)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestBreakerSingleProbe(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("x", BreakerConfig{Threshold: 1, ResetTimeout: time.Second}, WithBreakerClock(clock.Now))
	ctx := context.Background()
	cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerCancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("x", BreakerConfig{Threshold: 1})
	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

type memBreakerStore struct {
	mu    sync.Mutex
	snaps map[string]BreakerSnapshot
	fail  bool
}

func (m *memBreakerStore) LoadBreaker(_ context.Context, name string) (BreakerSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return BreakerSnapshot{}, false, errors.New("db down")
	}
	s, ok := m.snaps[name]
	return s, ok, nil
}

func (m *memBreakerStore) SaveBreaker(_ context.Context, name string, s BreakerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.snaps[name] = s
	return nil
}

func TestBreakerPersistsAndReloads(t *testing.T) {
	clock := newFakeClock()
	store := &memBreakerStore{snaps: map[string]BreakerSnapshot{}}
	cb := NewCircuitBreaker("llm", BreakerConfig{Threshold: 2}, WithBreakerStore(store), WithBreakerClock(clock.Now))
	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), fail)
	cb.Flush()
	snap, ok, err := store.LoadBreaker(context.Background(), "llm")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateOpen, snap.State)

	reloaded := NewCircuitBreaker("llm", BreakerConfig{Threshold: 2}, WithBreakerStore(store), WithBreakerClock(clock.Now))
	assert.Equal(t, StateOpen, reloaded.State())
	assert.ErrorIs(t, reloaded.Execute(context.Background(), succeed), ErrCircuitOpen)
}

type slowStore struct {
	release chan struct{}
	mu      sync.Mutex
	snaps   map[string]BreakerSnapshot
	usage   map[string]AgentUsage
	saves   int
}

func newSlowStore() *slowStore {
	return &slowStore{release: make(chan struct{}), snaps: map[string]BreakerSnapshot{}, usage: map[string]AgentUsage{}}
}

func (s *slowStore) LoadBreaker(context.Context, string) (BreakerSnapshot, bool, error) {
	return BreakerSnapshot{}, false, nil
}

func (s *slowStore) SaveBreaker(ctx context.Context, name string, snap BreakerSnapshot) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[name] = snap
	s.saves++
	return nil
}

func (s *slowStore) SaveUsage(ctx context.Context, _ string, u AgentUsage) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[u.Agent] = u
	s.saves++
	return nil
}

func TestBreakerDoesNotWaitForStore(t *testing.T) {
	store := newSlowStore()
	cb := NewCircuitBreaker("llm", BreakerConfig{Threshold: 3}, WithBreakerStore(store))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			cb.Execute(context.Background(), fail)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("breaker calls blocked on the store")
	}
	assert.Equal(t, StateOpen, cb.State())

	close(store.release)
	cb.Flush()
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, StateOpen, store.snaps["llm"].State)
	assert.Equal(t, 3, store.snaps["llm"].Failures)
	assert.LessOrEqual(t, store.saves, 3)
}

func TestBudgetTrackerDoesNotWaitForStore(t *testing.T) {
	store := newSlowStore()
	bt := NewBudgetTracker("s1", BudgetConfig{Default: AgentBudget{Model: "m"}}, store, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = bt.Reserve("intake")
			bt.Record("intake", TokenUsage{Prompt: 10, Completion: 5})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("usage accounting blocked on the store")
	}

	close(store.release)
	bt.Flush()
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 5, store.usage["intake"].Calls)
	assert.Equal(t, 75, store.usage["intake"].TotalTokens)
}

func TestBreakerWorksWhenStoreFails(t *testing.T) {
	store := &memBreakerStore{snaps: map[string]BreakerSnapshot{}, fail: true}
	cb := NewCircuitBreaker("llm", BreakerConfig{Threshold: 1}, WithBreakerStore(store))
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerRegistryPerResource(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{Threshold: 1})
	reg.Get("a").Execute(context.Background(), fail)
	assert.Same(t, reg.Get("a"), reg.Get("a"))
	assert.Equal(t, StateOpen, reg.Get("a").State())
	assert.Equal(t, StateClosed, reg.Get("b").State())
	assert.Len(t, reg.States(), 2)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	var retries []int
	got, err := Retry(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	}, nil, func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []int{1}, retries)
}

func TestRetryCapsAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		attempts++
		return 0, errBoom
	}, nil, nil)
	assert.Equal(t, 3, attempts)
	assert.True(t, IsRetryExhausted(err))
	assert.ErrorIs(t, err, errBoom)
}

func TestRetryNeverRetriesClientErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"bad request", WrapHTTPError(errors.New("bad"), http.StatusBadRequest, "")},
		{"unauthorized", WrapHTTPError(errors.New("nope"), http.StatusUnauthorized, "")},
		{"canceled", fmt.Errorf("call: %w", context.Canceled)},
		{"circuit open", ErrCircuitOpen},
		{"budget", &BudgetExceededError{Agent: "a", Limit: "calls", Used: 1, Max: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			_, err := Retry(context.Background(), fastPolicy(), func(context.Context) (int, error) {
				attempts++
				return 0, tt.err
			}, nil, nil)
			assert.Equal(t, 1, attempts)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want RetryClass
	}{
		{WrapHTTPError(errors.New("x"), http.StatusTooManyRequests, "1"), RetryClassRetryable},
		{WrapHTTPError(errors.New("x"), http.StatusBadGateway, ""), RetryClassRetryable},
		{WrapHTTPError(errors.New("x"), http.StatusNotFound, ""), RetryClassNonRetryable},
		{WrapHTTPError(errors.New("dial tcp: connection refused"), 0, ""), RetryClassRetryable},
		{context.DeadlineExceeded, RetryClassMaybe},
		{errors.New("i/o timeout"), RetryClassRetryable},
		{errors.New("something odd"), RetryClassNonRetryable},
		{errors.New("prompt is 1500 tokens over the limit"), RetryClassNonRetryable},
		{errors.New("read geoffrey.json: invalid character"), RetryClassNonRetryable},
		{errors.New("upstream returned 503"), RetryClassRetryable},
		{errors.New("unexpected EOF"), RetryClassRetryable},
		{fmt.Errorf("call: %w", &CallError{Err: errors.New("status 500 said the body"), Class: RetryClassRetryable, HTTPStatus: http.StatusBadRequest}), RetryClassNonRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, BackoffDelay(p, 0, errBoom))
	assert.Equal(t, 2*time.Second, BackoffDelay(p, 1, errBoom))
	assert.Equal(t, 3*time.Second, BackoffDelay(p, 2, errBoom))
	assert.Equal(t, 2*time.Second, BackoffDelay(p, 0, WrapHTTPError(errBoom, 429, "2")))
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Retry(ctx, p, func(context.Context) (int, error) { return 0, errBoom }, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuardSecondOfThreeCallsRetried(t *testing.T) {
	g := NewGuard(NewBreakerRegistry(BreakerConfig{Threshold: 3}), fastPolicy(), nil)
	calls := 0
	call := func(ctx context.Context) (string, error) {
		calls++
		if calls == 2 {
			return "", errors.New("network unreachable")
		}
		return fmt.Sprintf("r%d", calls), nil
	}

	var results []string
	for i := 0; i < 3; i++ {
		r, err := Do(context.Background(), g, "web", call)
		require.NoError(t, err)
		results = append(results, r)
	}
	assert.Equal(t, []string{"r1", "r3", "r4"}, results)
	assert.Equal(t, 4, calls)
	assert.Equal(t, StateClosed, g.Breakers().Get("web").State())
}

func TestGuardOpenBreakerNotRetried(t *testing.T) {
	g := NewGuard(NewBreakerRegistry(BreakerConfig{Threshold: 1, ResetTimeout: time.Hour}), fastPolicy(), nil)
	calls := 0
	_, err := Do(context.Background(), g, "llm", func(context.Context) (int, error) {
		calls++
		return 0, errBoom
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestBudgetTracker(t *testing.T) {
	bt := NewBudgetTracker("s1", BudgetConfig{
		Default: AgentBudget{MaxCalls: 2, Model: "m"},
		Agents:  map[string]AgentBudget{"builder": {MaxCalls: 10, MaxTokens: 100}},
		Prices:  map[string]ModelPrice{"m": {InputPerMTok: 1_000_000, OutputPerMTok: 2_000_000}},
	}, nil, nil)

	require.NoError(t, bt.Reserve("intake"))
	require.NoError(t, bt.Reserve("intake"))
	err := bt.Reserve("intake")
	var be *BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "calls", be.Limit)
	assert.Equal(t, 2, bt.Usage("intake").Calls)

	require.NoError(t, bt.Reserve("builder"))
	bt.Record("builder", TokenUsage{Prompt: 80, Completion: 30})
	err = bt.Reserve("builder")
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "tokens", be.Limit)

	bt.Record("intake", TokenUsage{Prompt: 1, Completion: 1, Total: 2})
	assert.InDelta(t, 3.0, bt.Usage("intake").CostUSD, 1e-9)
	assert.Equal(t, "m", bt.Budget("builder").Model)

	bt.Charge("intake", 0.5)
	bt.Record("intake", TokenUsage{})
	assert.InDelta(t, 3.5, bt.Usage("intake").CostUSD, 1e-9)

	tot := bt.Totals()
	assert.Equal(t, 3, tot.Calls)
	assert.Equal(t, 112, tot.TotalTokens)
	assert.InDelta(t, 143.5, bt.EstimateCost(), 1e-9)
	assert.Len(t, bt.All(), 2)
}
