// Package orchestrator drives a generation session through its phases:
// intake, research, architecture, plan validation, building, verification
// and deployment. Exactly one phase is active per session; sessions run
// concurrently and share only the outbound resilience state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/agents"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/knowledge"
	"github.com/ChamsBouzaiene/forge/internal/logging"
	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
	"github.com/ChamsBouzaiene/forge/internal/session"
)

const (
	DefaultMaxPlanRevisions = 2
	DefaultMaxFixIterations = 3
)

// Search index kinds for the per-session knowledge store.
const (
	IndexKeyword = "keyword"
	IndexBleve   = "bleve"
)

// Config bounds the backward loops of the state machine.
type Config struct {
	MaxPlanRevisions int
	MaxFixIterations int
	AskTimeout       time.Duration
	Budget           resilience.BudgetConfig
	SearchIndex      string
}

func (c Config) withDefaults() Config {
	if c.MaxPlanRevisions <= 0 {
		c.MaxPlanRevisions = DefaultMaxPlanRevisions
	}
	if c.MaxFixIterations <= 0 {
		c.MaxFixIterations = DefaultMaxFixIterations
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = session.DefaultAskTimeout
	}
	if c.SearchIndex == "" {
		c.SearchIndex = IndexKeyword
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Checkpoints, Usage,
// Responses, Web and Deployer may be nil.
type Deps struct {
	Runtime     *agents.Runtime
	Bus         *events.Bus
	Sessions    *session.Manager
	Responses   *session.Responses
	Checkpoints CheckpointStore
	Usage       resilience.UsageStore
	Web         providers.WebClient
	Deployer    providers.Deployer
	Logger      *slog.Logger
}

// Request starts a generation.
type Request struct {
	Prompt      string          `json:"prompt"`
	ProjectName string          `json:"projectName"`
	Options     session.Options `json:"options"`
}

// Artifact describes one knowledge document produced by a run.
type Artifact struct {
	Path      string `json:"path"`
	Version   int    `json:"version"`
	Bytes     int    `json:"bytes"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

// Result is the outcome of a run. Failed and aborted runs still carry the
// artifacts produced so far.
type Result struct {
	SessionID     string                  `json:"sessionId"`
	Status        session.Status          `json:"status"`
	Phase         Phase                   `json:"phase"`
	Phases        []PhaseRecord           `json:"phases"`
	Coverage      *Coverage               `json:"coverage,omitempty"`
	Artifacts     []Artifact              `json:"artifacts"`
	DeploymentURL string                  `json:"deploymentUrl,omitempty"`
	Summary       string                  `json:"summary"`
	Usage         resilience.AgentUsage   `json:"usage"`
	Agents        []resilience.AgentUsage `json:"agents"`
	Error         string                  `json:"error,omitempty"`
	Err           error                   `json:"-"`
}

type run struct {
	sess    session.Session
	store   *knowledge.Store
	index   knowledge.Index
	emitter *events.Emitter
	budget  *resilience.BudgetTracker
	log     *slog.Logger

	// owned by the driving goroutine while active
	current       Phase
	records       []PhaseRecord
	planRevisions int
	fixIterations int
	feedback      string
	coverage      *Coverage
	deployURL     string

	active bool
	done   chan struct{}
	result Result
}

// Orchestrator runs generation sessions.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New returns an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  logging.OrDiscard(deps.Logger),
		runs: make(map[string]*run),
	}
}

// Start creates a session and runs it in the background. The run outlives
// ctx's cancellation; use Abort to stop it.
func (o *Orchestrator) Start(ctx context.Context, req Request) (session.Session, error) {
	if req.Prompt == "" {
		return session.Session{}, errors.New("prompt is required")
	}
	if req.ProjectName == "" {
		req.ProjectName = "project"
	}
	sess := o.deps.Sessions.Create(req.Prompt, req.ProjectName, req.Options)
	r := o.newRun(sess)
	o.mu.Lock()
	o.runs[sess.ID] = r
	o.mu.Unlock()

	r.emitter.Emit(events.GenerationStarted, map[string]any{
		"prompt":      req.Prompt,
		"projectName": req.ProjectName,
	})
	o.launch(ctx, r, PhaseIntake)
	return sess, nil
}

// Generate runs a session to completion. Cancelling ctx aborts it.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (Result, error) {
	sess, err := o.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	res, err := o.Wait(ctx, sess.ID)
	if err != nil {
		o.Abort(sess.ID)
		res, _ = o.Wait(context.Background(), sess.ID)
	}
	return res, res.Err
}

// Resume restores the latest checkpoint of a session and continues with
// the phase after it.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (session.Session, error) {
	o.mu.Lock()
	if r, ok := o.runs[sessionID]; ok && r.active {
		o.mu.Unlock()
		return session.Session{}, ErrRunning
	}
	o.mu.Unlock()

	if o.deps.Checkpoints == nil {
		return session.Session{}, ErrNoCheckpoint
	}
	_, data, ok, err := o.deps.Checkpoints.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !ok {
		return session.Session{}, ErrNoCheckpoint
	}
	cp, err := decodeCheckpoint(data)
	if err != nil {
		return session.Session{}, err
	}
	if cp.Next.Terminal() {
		return session.Session{}, fmt.Errorf("session %s already reached %s", sessionID, cp.Next)
	}

	sess := o.deps.Sessions.Adopt(session.Session{
		ID:          sessionID,
		Prompt:      cp.Prompt,
		ProjectName: cp.ProjectName,
		Options:     cp.Options,
		CreatedAt:   time.Now().UTC(),
	})
	o.deps.Bus.Reopen(sessionID)

	r := o.newRun(sess)
	r.store.Restore(cp.Documents)
	r.current = cp.Phase
	r.planRevisions = cp.PlanRevisions
	r.fixIterations = cp.FixIterations
	r.feedback = cp.Feedback
	if len(cp.Records) > 0 {
		r.records = cp.Records
	}

	o.mu.Lock()
	if old, ok := o.runs[sessionID]; ok {
		o.release(old)
	}
	o.runs[sessionID] = r
	o.mu.Unlock()

	r.emitter.Emit(events.GenerationStarted, map[string]any{
		"prompt":      cp.Prompt,
		"projectName": cp.ProjectName,
		"resumed":     true,
		"from":        string(cp.Next),
	})
	o.launch(ctx, r, cp.Next)
	return sess, nil
}

// Abort cancels a running session. In-flight model calls and pending
// questions unblock; the run ends with status aborted.
func (o *Orchestrator) Abort(sessionID string) bool {
	if !o.deps.Sessions.Abort(sessionID) {
		return false
	}
	if o.deps.Responses != nil {
		o.deps.Responses.CloseSession(sessionID)
	}
	return true
}

// Wait blocks until the session's run ends or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (Result, error) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknownSession
	}
	select {
	case <-r.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome of a finished run.
func (o *Orchestrator) Result(sessionID string) (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[sessionID]
	if !ok || r.active {
		return Result{}, false
	}
	return r.result, true
}

// Documents returns the knowledge documents of a session, final or partial.
func (o *Orchestrator) Documents(sessionID string) (map[string]knowledge.Document, error) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return r.store.Snapshot(), nil
}

// Forget drops everything held for a session. Wired to session eviction.
func (o *Orchestrator) Forget(sessionID string) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	if ok {
		delete(o.runs, sessionID)
	}
	o.mu.Unlock()
	if ok {
		o.release(r)
	}
}

// Running returns the number of active runs.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.runs {
		if r.active {
			n++
		}
	}
	return n
}

func (o *Orchestrator) release(r *run) {
	r.store.UnsubscribeAll()
	if c, ok := r.index.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			r.log.Debug("knowledge index close failed", "error", err)
		}
	}
}

func (o *Orchestrator) newRun(sess session.Session) *run {
	log := o.log.With("session", sess.ID)
	emitter := events.NewEmitter(o.deps.Bus, sess.ID)
	r := &run{
		sess:    sess,
		emitter: emitter,
		log:     log,
		current: PhaseIdle,
		records: newRecords(),
		done:    make(chan struct{}),
		budget:  resilience.NewBudgetTracker(sess.ID, o.cfg.Budget, o.deps.Usage, log),
	}
	r.index = o.newIndex(log)
	r.store = knowledge.NewStore(knowledge.Options{
		Index:    r.index,
		Logger:   log,
		OnChange: func(c knowledge.Change) { publishChange(emitter, c) },
	})
	return r
}

func (o *Orchestrator) newIndex(log *slog.Logger) knowledge.Index {
	if o.cfg.SearchIndex == IndexBleve {
		idx, err := knowledge.NewBleveIndex()
		if err == nil {
			return idx
		}
		log.Warn("bleve index unavailable, using keyword index", "error", err)
	}
	return knowledge.NewKeywordIndex()
}

func publishChange(e *events.Emitter, c knowledge.Change) {
	t := events.KnowledgeUpdated
	switch c.Kind {
	case knowledge.ChangeWritten:
		t = events.KnowledgeWritten
	case knowledge.ChangeDeleted:
		t = events.KnowledgeDeleted
	}
	payload := map[string]any{"path": c.Path}
	if c.Kind != knowledge.ChangeDeleted {
		payload["version"] = c.Document.Version
	}
	e.WithAgent(c.Document.UpdatedBy).Emit(t, payload)
}

func (o *Orchestrator) launch(ctx context.Context, r *run, from Phase) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := o.deps.Sessions.Attach(r.sess.ID, cancel); err != nil {
		r.log.Warn("cancel hook not attached", "error", err)
	}
	o.mu.Lock()
	r.active = true
	o.mu.Unlock()

	go func() {
		defer cancel()
		defer close(r.done)
		defer r.budget.Flush()
		o.drive(runCtx, r, from)
	}()
}
