// Package app assembles forge from its configuration: storage, the event
// bus, the session manager, the orchestrator and its providers, and the
// HTTP API. Nothing in forge is global; everything is constructed here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/agents"
	"github.com/ChamsBouzaiene/forge/internal/config"
	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/logging"
	"github.com/ChamsBouzaiene/forge/internal/orchestrator"
	"github.com/ChamsBouzaiene/forge/internal/prompts"
	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
	"github.com/ChamsBouzaiene/forge/internal/server"
	"github.com/ChamsBouzaiene/forge/internal/session"
	"github.com/ChamsBouzaiene/forge/internal/storage"
	"github.com/ChamsBouzaiene/forge/internal/tools"
	"github.com/ChamsBouzaiene/forge/internal/webhook"
)

// Version is stamped at build time.
var Version = "dev"

// App is a fully wired forge instance.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	DB           *storage.DB
	Bus          *events.Bus
	Sessions     *session.Manager
	Responses    *session.Responses
	Orchestrator *orchestrator.Orchestrator
	Webhooks     *webhook.Receiver
	Prompts      *prompts.PromptRegistry
	Breakers     *resilience.BreakerRegistry

	watcher *prompts.OverrideWatcher
	closers []func() error
}

type options struct {
	llm      engine.LLMClient
	model    string
	web      providers.WebClient
	deployer providers.Deployer
}

// Option replaces a provider built from the configuration.
type Option func(*options)

// WithLLM uses llm instead of the configured provider. model is recorded
// as the default model for budgets and pricing.
func WithLLM(llm engine.LLMClient, model string) Option {
	return func(o *options) { o.llm, o.model = llm, model }
}

// WithWeb replaces the web client.
func WithWeb(w providers.WebClient) Option { return func(o *options) { o.web = w } }

// WithDeployer replaces the deployer.
func WithDeployer(d providers.Deployer) Option { return func(o *options) { o.deployer = d } }

// New wires an App. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.OrDiscard(logger)
	a := &App{Config: cfg, Logger: log}

	db, err := storage.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if o.llm == nil {
		llm, model, err := providers.NewLLMClient(cfg.LLM)
		if err != nil {
			a.Close()
			return nil, err
		}
		o.llm, o.model = llm, model
	}
	budgets := cfg.Budgets
	if budgets.Default.Model == "" {
		budgets.Default.Model = o.model
	}

	if o.web == nil {
		o.web = providers.NewHTTPWeb(cfg.Web, nil)
	}
	if o.deployer == nil {
		d, err := newDeployer(cfg, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		if c, ok := d.(interface{ Close() error }); ok {
			a.closers = append(a.closers, c.Close)
		}
		o.deployer = d
	}

	a.Bus = events.NewBus(events.WithJournal(db), events.WithLogger(log.With("component", "events")))
	a.Responses = session.NewResponses(a.Bus, log.With("component", "responses"))
	a.Sessions = session.NewManager(session.ManagerConfig{
		GracePeriod:   cfg.Sessions.GracePeriod,
		MaxAge:        cfg.Sessions.MaxAge,
		SweepInterval: cfg.Sessions.SweepInterval,
	},
		session.WithBus(a.Bus),
		session.WithArchive(session.NewArchive(cfg.DataDir)),
		session.WithEvictHook(a.evict),
		session.WithManagerLogger(log.With("component", "sessions")),
	)

	a.Breakers = resilience.NewBreakerRegistry(cfg.BreakerConfig(),
		resilience.WithBreakerStore(db),
		resilience.WithBreakerLogger(log.With("component", "breaker")))
	a.closers = append(a.closers, func() error {
		a.Breakers.Flush()
		return nil
	})
	guard := resilience.NewGuard(a.Breakers, cfg.RetryPolicy(), log.With("component", "guard"))

	a.Prompts = prompts.NewDefaultRegistry()
	if cfg.Prompts.Watch {
		w, err := prompts.NewOverrideWatcher(cfg.Prompts.OverrideDir, a.Prompts, log.With("component", "prompts"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.watcher = w
	} else {
		overrides, err := prompts.LoadOverrides(cfg.Prompts.OverrideDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Prompts.SetOverrides(overrides)
	}

	a.Orchestrator = orchestrator.New(orchestrator.Config{
		MaxPlanRevisions: cfg.Orchestrator.MaxPlanRevisions,
		MaxFixIterations: cfg.Orchestrator.MaxFixIterations,
		AskTimeout:       cfg.Orchestrator.AskTimeout,
		SearchIndex:      cfg.Orchestrator.SearchIndex,
		Budget:           budgets,
	}, orchestrator.Deps{
		Runtime: &agents.Runtime{
			LLM:         o.llm,
			Prompts:     a.Prompts,
			Guard:       guard,
			Confidence:  tools.ConfidenceConfig{Threshold: cfg.Orchestrator.ConfidenceThreshold},
			MaxSteps:    cfg.Orchestrator.MaxSteps,
			Temperature: cfg.Orchestrator.Temperature,
			Logger:      log,
		},
		Bus:         a.Bus,
		Sessions:    a.Sessions,
		Responses:   a.Responses,
		Checkpoints: db,
		Usage:       db,
		Web:         o.web,
		Deployer:    o.deployer,
		Logger:      log.With("component", "orchestrator"),
	})

	if cfg.Webhook.Secret != "" {
		signer := webhook.NewSigner([]byte(cfg.Webhook.Secret), cfg.Webhook.Issuer)
		a.Webhooks = webhook.NewReceiver(db, signer, a.Orchestrator.TaskCompleted, log.With("component", "webhook"))
	}

	log.Info("forge ready",
		"version", Version,
		"provider", cfg.LLM.Provider,
		"model", budgets.Default.Model,
		"deploy", cfg.Deploy.Mode,
		"data_dir", cfg.DataDir)
	return a, nil
}

func newDeployer(cfg *config.Config, log *slog.Logger) (providers.Deployer, error) {
	switch cfg.Deploy.Mode {
	case config.DeployNone:
		return nil, nil
	case config.DeployDocker:
		return providers.NewDockerDeployer(cfg.Deploy.Dir, cfg.Deploy.Docker, log.With("component", "deploy"))
	default:
		return providers.NewDirDeployer(cfg.Deploy.Dir, cfg.Deploy.BaseURL), nil
	}
}

// evictWait bounds how long eviction waits for a cancelled run to publish
// its terminal event.
const evictWait = 30 * time.Second

// evict drops the in-memory state of a session the manager let go of. A
// run that is still winding down is waited for first so its last events
// do not recreate the stream.
func (a *App) evict(id string) {
	a.Responses.CloseSession(id)
	if a.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), evictWait)
		if _, err := a.Orchestrator.Wait(ctx, id); err != nil && !errors.Is(err, orchestrator.ErrUnknownSession) {
			a.Logger.Warn("evicted run did not stop in time", "session", id, "error", err)
		}
		cancel()
		a.Orchestrator.Forget(id)
	}
	a.Bus.Forget(id)
}

// Run starts the background loops (session sweeping and prompt reloads)
// and blocks until ctx is done.
func (a *App) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Sessions.Run(ctx)
	}()
	if a.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.watcher.Run(ctx); err != nil {
				a.Logger.Warn("prompt watcher stopped", "error", err)
			}
		}()
	}
	wg.Wait()
}

// awaitRuns blocks until the given runs have stopped, so their terminal
// events reach the journal before the database closes.
func (a *App) awaitRuns(ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	for _, id := range ids {
		if _, err := a.Orchestrator.Wait(ctx, id); err != nil && !errors.Is(err, orchestrator.ErrUnknownSession) {
			a.Logger.Warn("run did not stop before shutdown", "session", id, "error", err)
		}
	}
}

// Handler is the HTTP API.
func (a *App) Handler() http.Handler {
	return server.New(server.Config{
		Orchestrator: a.Orchestrator,
		Sessions:     a.Sessions,
		Responses:    a.Responses,
		Bus:          a.Bus,
		Webhooks:     a.Webhooks,
		Breakers:     a.Breakers,
		Version:      Version,
		Logger:       a.Logger.With("component", "http"),
	})
}

// Serve runs the background loops and the HTTP API until ctx is done,
// then shuts the server down gracefully.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	loops := make(chan struct{})
	go func() {
		defer close(loops)
		a.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("http shutdown: %w", serr)
	}
	var aborted []string
	for _, s := range a.Sessions.List() {
		if !s.Status.Terminal() {
			a.Orchestrator.Abort(s.ID)
			aborted = append(aborted, s.ID)
		}
	}
	a.awaitRuns(aborted)
	cancel()
	<-loops
	return err
}

// Close releases storage and providers, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
