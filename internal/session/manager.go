package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/logging"
)

const (
	DefaultGracePeriod   = 5 * time.Minute
	DefaultMaxAge        = 2 * time.Hour
	DefaultSweepInterval = 30 * time.Second
)

// ErrNotFound is returned for unknown or evicted sessions.
var ErrNotFound = errors.New("session not found")

// ManagerConfig bounds how long sessions stay in memory.
type ManagerConfig struct {
	GracePeriod   time.Duration // after completion
	MaxAge        time.Duration // after creation
	SweepInterval time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type entry struct {
	sess   Session
	cancel context.CancelFunc
}

// Manager owns the live sessions.
type Manager struct {
	mu       sync.Mutex
	cfg      ManagerConfig
	sessions map[string]*entry
	bus      *events.Bus
	archive  *Archive
	onEvict  []func(id string)
	log      *slog.Logger
	now      func() time.Time
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithBus publishes progress reports to bus.
func WithBus(bus *events.Bus) ManagerOption { return func(m *Manager) { m.bus = bus } }

// WithArchive saves sessions to a before evicting them.
func WithArchive(a *Archive) ManagerOption { return func(m *Manager) { m.archive = a } }

// WithEvictHook runs fn after a session is evicted.
func WithEvictHook(fn func(id string)) ManagerOption {
	return func(m *Manager) { m.onEvict = append(m.onEvict, fn) }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption { return func(m *Manager) { m.log = l } }

// WithManagerClock replaces time.Now.
func WithManagerClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.now = now } }

// NewManager returns an empty manager.
func NewManager(cfg ManagerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.OrDiscard(m.log)
	return m
}

// Create registers a running session.
func (m *Manager) Create(prompt, projectName string, opts Options) Session {
	now := m.now().UTC()
	s := Session{
		ID:          uuid.NewString(),
		Prompt:      prompt,
		ProjectName: projectName,
		Options:     opts,
		Status:      StatusRunning,
		Agents:      make(map[string]AgentState),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = &entry{sess: s}
	m.mu.Unlock()
	m.log.Info("session created", "session", s.ID, "project", projectName)
	return s.clone()
}

// Adopt registers a session restored from elsewhere, keeping its id, and
// marks it running again. A live session with the same id is reused.
func (m *Manager) Adopt(s Session) Session {
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[s.ID]
	if !ok {
		s = s.clone()
		if s.Agents == nil {
			s.Agents = make(map[string]AgentState)
		}
		e = &entry{sess: s}
		m.sessions[s.ID] = e
	}
	e.sess.Status = StatusRunning
	e.sess.Error = ""
	e.sess.CompletedAt = time.Time{}
	e.sess.UpdatedAt = now
	return e.sess.clone()
}

// Get returns a live session, falling back to the archive.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	var s Session
	if ok {
		s = e.sess.clone()
	}
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	if m.archive != nil {
		if s, err := m.archive.Load(id); err == nil {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

// List returns the live sessions, newest first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.sess.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update applies fn to a live session.
func (m *Manager) Update(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(&e.sess)
	e.sess.UpdatedAt = m.now().UTC()
	return nil
}

// SetPhase records the active phase.
func (m *Manager) SetPhase(id, phase string) error {
	return m.Update(id, func(s *Session) { s.Phase = phase })
}

// SetAgent applies fn to the state of one agent.
func (m *Manager) SetAgent(id, agent string, fn func(*AgentState)) error {
	return m.Update(id, func(s *Session) {
		st, ok := s.Agents[agent]
		if !ok {
			st = AgentState{Status: AgentIdle}
		}
		fn(&st)
		s.Agents[agent] = st
	})
}

// ReportProgress stores an agent's progress and publishes agent:progress.
func (m *Manager) ReportProgress(id, agent string, progress int, message string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	err := m.SetAgent(id, agent, func(st *AgentState) {
		st.Progress = progress
		st.Message = message
	})
	if err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(id, events.AgentProgress,
			map[string]any{"progress": progress, "message": message},
			events.Meta{Agent: agent})
	}
	return nil
}

// Attach stores the cancel function of the session's run.
func (m *Manager) Attach(id string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.cancel = cancel
	return nil
}

// Abort cancels a running session. It reports false when the session is
// unknown or already finished.
func (m *Manager) Abort(id string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	var cancel context.CancelFunc
	if ok && !e.sess.Status.Terminal() {
		cancel = e.cancel
	}
	m.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Complete marks a session finished and starts its grace period.
func (m *Manager) Complete(id string, status Status, errMsg string) error {
	return m.Update(id, func(s *Session) {
		s.Status = status
		s.Error = errMsg
		s.CompletedAt = m.now().UTC()
	})
}

// Remove evicts a session immediately.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.evicted(e)
	return true
}

// Sweep evicts every session past its grace period or max age and returns
// their ids.
func (m *Manager) Sweep() []string {
	now := m.now()
	var gone []*entry
	m.mu.Lock()
	for id, e := range m.sessions {
		done := !e.sess.CompletedAt.IsZero() && now.Sub(e.sess.CompletedAt) >= m.cfg.GracePeriod
		old := now.Sub(e.sess.CreatedAt) >= m.cfg.MaxAge
		if done || old {
			delete(m.sessions, id)
			gone = append(gone, e)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(gone))
	for _, e := range gone {
		m.evicted(e)
		ids = append(ids, e.sess.ID)
	}
	sort.Strings(ids)
	return ids
}

// Run sweeps on an interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := m.Sweep(); len(ids) > 0 {
				m.log.Debug("sessions evicted", "count", len(ids))
			}
		}
	}
}

func (m *Manager) evicted(e *entry) {
	if !e.sess.Status.Terminal() {
		// past max age while still running
		if e.cancel != nil {
			e.cancel()
		}
		e.sess.Status = StatusAborted
		e.sess.Error = "evicted while running"
		e.sess.CompletedAt = m.now().UTC()
	}
	if m.archive != nil {
		if err := m.archive.Save(e.sess); err != nil {
			m.log.Warn("session archive failed", "session", e.sess.ID, "error", err)
		}
	}
	for _, fn := range m.onEvict {
		fn(e.sess.ID)
	}
	m.log.Info("session evicted", "session", e.sess.ID, "status", e.sess.Status)
}
