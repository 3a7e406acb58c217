package events

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ChamsBouzaiene/forge/internal/logging"
)

// Journal durably records published events. Failures are logged only.
type Journal interface {
	Append(ctx context.Context, e Event) error
}

// Replayer is a Journal that can return what it recorded.
type Replayer interface {
	ListEvents(ctx context.Context, sessionID string, after int64) ([]Event, error)
}

type stream struct {
	events  []Event
	changed chan struct{} // closed and replaced on every append
	closed  bool
}

// Bus fans events out per session.
type Bus struct {
	mu       sync.Mutex
	streams  map[string]*stream
	entropy  io.Reader
	journal  Journal
	log      *slog.Logger
	now      func() time.Time
	lastTime time.Time
}

// Option customises a Bus.
type Option func(*Bus)

// WithJournal records every event in j.
func WithJournal(j Journal) Option { return func(b *Bus) { b.journal = j } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// NewBus returns an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		streams: make(map[string]*stream),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.OrDiscard(b.log)
	return b
}

// Publish appends an event to the session's stream and wakes subscribers.
// Timestamps never go backwards within the bus.
func (b *Bus) Publish(sessionID string, t Type, payload map[string]any, meta Meta) Event {
	b.mu.Lock()
	s := b.streamLocked(sessionID)

	ts := b.now()
	if ts.Before(b.lastTime) {
		ts = b.lastTime
	}
	b.lastTime = ts

	e := Event{
		ID:        ulid.MustNew(ulid.Timestamp(ts), b.entropy).String(),
		Seq:       int64(len(s.events) + 1),
		Type:      t,
		Timestamp: ts,
		SessionID: sessionID,
		Agent:     meta.Agent,
		Phase:     meta.Phase,
		Payload:   payload,
	}
	s.events = append(s.events, e)
	if t.Terminal() {
		s.closed = true
	}
	close(s.changed)
	s.changed = make(chan struct{})
	b.mu.Unlock()

	if b.journal != nil {
		if err := b.journal.Append(context.Background(), e); err != nil {
			b.log.Warn("event journal append failed", "session", sessionID, "type", t, "error", err)
		}
	}
	return e
}

// History returns the events of a session with Seq > after.
func (b *Bus) History(sessionID string, after int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[sessionID]
	if !ok {
		return nil
	}
	if after < 0 {
		after = 0
	}
	if after >= int64(len(s.events)) {
		return nil
	}
	out := make([]Event, len(s.events)-int(after))
	copy(out, s.events[after:])
	return out
}

// Closed reports whether the session has emitted a terminal event.
func (b *Bus) Closed(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[sessionID]
	return ok && s.closed
}

// Subscribe streams events with Seq > after: first the backlog, then live
// events. The channel closes after the terminal event has been delivered,
// when the session is forgotten, or when ctx is done. A session without a
// live stream is replayed from the journal, when there is one, and the
// channel closes after the replay.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, after int64) <-chan Event {
	out := make(chan Event, 16)
	b.mu.Lock()
	s, live := b.streams[sessionID]
	b.mu.Unlock()
	if !live {
		go b.replay(ctx, sessionID, after, out)
		return out
	}
	go func() {
		defer close(out)
		cursor := after
		if cursor < 0 {
			cursor = 0
		}
		for {
			b.mu.Lock()
			var batch []Event
			if cursor < int64(len(s.events)) {
				batch = append(batch, s.events[cursor:]...)
			}
			changed, closed := s.changed, s.closed
			b.mu.Unlock()

			for _, e := range batch {
				select {
				case out <- e:
					cursor = e.Seq
				case <-ctx.Done():
					return
				}
			}
			if closed && len(batch) == 0 {
				return
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (b *Bus) replay(ctx context.Context, sessionID string, after int64, out chan<- Event) {
	defer close(out)
	r, ok := b.journal.(Replayer)
	if !ok {
		return
	}
	if after < 0 {
		after = 0
	}
	history, err := r.ListEvents(ctx, sessionID, after)
	if err != nil {
		b.log.Warn("event journal replay failed", "session", sessionID, "error", err)
		return
	}
	for _, e := range history {
		select {
		case out <- e:
		case <-ctx.Done():
			return
		}
	}
}

// Reopen lets a session that already ended publish again, for example
// when a failed run is resumed. New subscribers then follow live events.
// A stream that is no longer in memory is reloaded from the journal first
// so sequence numbers carry on where they stopped.
func (b *Bus) Reopen(sessionID string) {
	b.mu.Lock()
	_, live := b.streams[sessionID]
	b.mu.Unlock()

	var history []Event
	if r, ok := b.journal.(Replayer); ok && !live {
		var err error
		history, err = r.ListEvents(context.Background(), sessionID, 0)
		if err != nil {
			b.log.Warn("event journal replay failed", "session", sessionID, "error", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streamLocked(sessionID)
	if len(s.events) == 0 && len(history) > 0 {
		s.events = history
	}
	s.closed = false
}

// Forget drops a session's stream and releases its subscribers.
func (b *Bus) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[sessionID]
	if !ok {
		return
	}
	s.closed = true
	s.events = nil
	close(s.changed)
	s.changed = make(chan struct{})
	delete(b.streams, sessionID)
}

// Sessions returns the number of sessions with a live stream.
func (b *Bus) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *Bus) streamLocked(sessionID string) *stream {
	s, ok := b.streams[sessionID]
	if !ok {
		s = &stream{changed: make(chan struct{})}
		b.streams[sessionID] = s
	}
	return s
}

// Emitter publishes into one session with fixed metadata.
type Emitter struct {
	bus       *Bus
	sessionID string
	meta      Meta
}

// NewEmitter binds bus to sessionID.
func NewEmitter(bus *Bus, sessionID string) *Emitter {
	return &Emitter{bus: bus, sessionID: sessionID}
}

// WithAgent returns an emitter that tags events with agent.
func (e *Emitter) WithAgent(agent string) *Emitter {
	if e == nil {
		return nil
	}
	c := *e
	c.meta.Agent = agent
	return &c
}

// WithPhase returns an emitter that tags events with phase.
func (e *Emitter) WithPhase(phase string) *Emitter {
	if e == nil {
		return nil
	}
	c := *e
	c.meta.Phase = phase
	return &c
}

// Emit publishes one event. A nil emitter drops it.
func (e *Emitter) Emit(t Type, payload map[string]any) Event {
	if e == nil || e.bus == nil {
		return Event{}
	}
	return e.bus.Publish(e.sessionID, t, payload, e.meta)
}

// SessionID returns the bound session.
func (e *Emitter) SessionID() string {
	if e == nil {
		return ""
	}
	return e.sessionID
}
