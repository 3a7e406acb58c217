package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("subscription did not close, got %d events", len(out))
		}
	}
}

func TestPublishAssignsSequence(t *testing.T) {
	b := NewBus()
	e1 := b.Publish("s1", GenerationStarted, nil, Meta{})
	e2 := b.Publish("s1", PhaseStarted, map[string]any{"phase": "intake"}, Meta{Phase: "intake"})
	other := b.Publish("s2", GenerationStarted, nil, Meta{})

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, int64(1), other.Seq)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Less(t, e1.ID, e2.ID)
	assert.Equal(t, "intake", e2.Phase)
	assert.False(t, e2.Timestamp.Before(e1.Timestamp))
}

func TestSubscribeReplaysThenStreamsLive(t *testing.T) {
	b := NewBus()
	b.Publish("s1", GenerationStarted, nil, Meta{})
	b.Publish("s1", PhaseStarted, nil, Meta{})

	ch := b.Subscribe(context.Background(), "s1", 0)
	go func() {
		for i := 0; i < 20; i++ {
			b.Publish("s1", AgentProgress, map[string]any{"i": i}, Meta{})
		}
		b.Publish("s1", GenerationCompleted, nil, Meta{})
	}()

	got := collect(t, ch)
	require.Len(t, got, 23)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, GenerationCompleted, got[len(got)-1].Type)
}

func TestSubscribeFromCursor(t *testing.T) {
	b := NewBus()
	for i := 0; i < 5; i++ {
		b.Publish("s1", AgentProgress, nil, Meta{})
	}
	b.Publish("s1", GenerationFailed, nil, Meta{})

	got := collect(t, b.Subscribe(context.Background(), "s1", 3))
	require.Len(t, got, 3)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.True(t, b.Closed("s1"))
	assert.Len(t, b.History("s1", 4), 2)
	assert.Nil(t, b.History("s1", 6))
	assert.Nil(t, b.History("nope", 0))
}

func TestSubscribeCancel(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	b.Publish("s1", GenerationStarted, nil, Meta{})
	ch := b.Subscribe(ctx, "s1", 0)
	<-ch
	cancel()
	collect(t, ch)
}

func TestForgetReleasesSubscribers(t *testing.T) {
	b := NewBus()
	b.Publish("s1", GenerationStarted, nil, Meta{})
	ch := b.Subscribe(context.Background(), "s1", 0)
	b.Forget("s1")
	got := collect(t, ch)
	assert.LessOrEqual(t, len(got), 1)
	assert.Zero(t, b.Sessions())
}

type memJournal struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memJournal) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestJournal(t *testing.T) {
	j := &memJournal{}
	b := NewBus(WithJournal(j))
	b.Publish("s1", GenerationStarted, nil, Meta{})
	assert.Len(t, j.events, 1)

	j.err = errors.New("disk full")
	e := b.Publish("s1", GenerationCompleted, nil, Meta{})
	assert.Equal(t, int64(2), e.Seq)
}

func (m *memJournal) ListEvents(_ context.Context, sessionID string, after int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.SessionID == sessionID && e.Seq > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestReopenReplaysJournal(t *testing.T) {
	j := &memJournal{}
	b := NewBus(WithJournal(j))
	b.Publish("s1", GenerationStarted, nil, Meta{})
	b.Publish("s1", GenerationFailed, nil, Meta{})
	b.Forget("s1")

	b.Reopen("s1")
	assert.Len(t, b.History("s1", 0), 2)
	e := b.Publish("s1", GenerationStarted, map[string]any{"resumed": true}, Meta{})
	assert.Equal(t, int64(3), e.Seq)
	assert.Len(t, j.events, 3)
}

func TestSubscribeForgottenSessionReplaysJournal(t *testing.T) {
	j := &memJournal{}
	b := NewBus(WithJournal(j))
	b.Publish("s1", GenerationStarted, nil, Meta{})
	b.Publish("s1", PhaseStarted, nil, Meta{})
	b.Publish("s1", GenerationCompleted, nil, Meta{})
	b.Forget("s1")

	got := collect(t, b.Subscribe(context.Background(), "s1", 1))
	require.Len(t, got, 2)
	assert.Equal(t, PhaseStarted, got[0].Type)
	assert.Equal(t, GenerationCompleted, got[1].Type)
	assert.Zero(t, b.Sessions(), "subscribing does not bring the stream back")
}

func TestSubscribeUnknownSessionCloses(t *testing.T) {
	b := NewBus()
	assert.Empty(t, collect(t, b.Subscribe(context.Background(), "nope", 0)))
	assert.Zero(t, b.Sessions())
}

func TestEmitter(t *testing.T) {
	b := NewBus()
	em := NewEmitter(b, "s1").WithPhase("building").WithAgent("builder")
	e := em.Emit(FileCreated, map[string]any{"path": "/files/index.html"})
	assert.Equal(t, "builder", e.Agent)
	assert.Equal(t, "building", e.Phase)
	assert.Equal(t, "s1", em.SessionID())

	var nilEm *Emitter
	assert.Equal(t, Event{}, nilEm.WithAgent("x").Emit(FileCreated, nil))
}

func TestClockNeverGoesBack(t *testing.T) {
	now := time.Unix(100, 0)
	b := NewBus(WithClock(func() time.Time { return now }))
	e1 := b.Publish("s", GenerationStarted, nil, Meta{})
	now = now.Add(-time.Minute)
	e2 := b.Publish("s", PhaseStarted, nil, Meta{})
	assert.Equal(t, e1.Timestamp, e2.Timestamp)
}

func TestReopenAfterTerminal(t *testing.T) {
	b := NewBus()
	b.Publish("s", GenerationFailed, nil, Meta{})
	require.True(t, b.Closed("s"))

	b.Reopen("s")
	assert.False(t, b.Closed("s"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch := b.Subscribe(ctx, "s", 1)
	b.Publish("s", PhaseStarted, nil, Meta{})
	b.Publish("s", GenerationCompleted, nil, Meta{})

	var got []Type
	for e := range ch {
		got = append(got, e.Type)
	}
	assert.Equal(t, []Type{PhaseStarted, GenerationCompleted}, got)
}
