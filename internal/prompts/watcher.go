package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChamsBouzaiene/forge/internal/logging"
)

// LoadOverrides reads every <id>.md in dir. A missing dir yields no overrides.
func LoadOverrides(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt overrides: %w", err)
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt override %s: %w", e.Name(), err)
		}
		if strings.TrimSpace(string(b)) == "" {
			continue
		}
		out[strings.TrimSuffix(e.Name(), ".md")] = string(b)
	}
	return out, nil
}

// OverrideWatcher keeps a registry's overrides in sync with a directory.
type OverrideWatcher struct {
	dir          string
	registry     *PromptRegistry
	watcher      *fsnotify.Watcher
	debounceTime time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	pending bool
	wg      sync.WaitGroup
}

// NewOverrideWatcher loads the overrides once and prepares a watcher.
func NewOverrideWatcher(dir string, registry *PromptRegistry, logger *slog.Logger) (*OverrideWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create prompt dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	ow := &OverrideWatcher{
		dir:          dir,
		registry:     registry,
		watcher:      watcher,
		debounceTime: 250 * time.Millisecond,
		log:          logging.OrDiscard(logger),
	}
	if err := ow.reload(); err != nil {
		watcher.Close()
		return nil, err
	}
	return ow, nil
}

// Run watches until ctx is done.
func (ow *OverrideWatcher) Run(ctx context.Context) error {
	if err := ow.watcher.Add(ow.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", ow.dir, err)
	}
	ow.wg.Add(2)
	go ow.eventLoop(ctx)
	go ow.debounceLoop(ctx)
	<-ctx.Done()
	ow.wg.Wait()
	return ow.watcher.Close()
}

func (ow *OverrideWatcher) eventLoop(ctx context.Context) {
	defer ow.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ow.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".md" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				ow.mu.Lock()
				ow.pending = true
				ow.mu.Unlock()
			}
		case err, ok := <-ow.watcher.Errors:
			if !ok {
				return
			}
			ow.log.Warn("prompt watcher error", "error", err)
		}
	}
}

func (ow *OverrideWatcher) debounceLoop(ctx context.Context) {
	defer ow.wg.Done()
	ticker := time.NewTicker(ow.debounceTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ow.mu.Lock()
			pending := ow.pending
			ow.pending = false
			ow.mu.Unlock()
			if !pending {
				continue
			}
			if err := ow.reload(); err != nil {
				ow.log.Warn("prompt overrides not reloaded", "dir", ow.dir, "error", err)
			}
		}
	}
}

func (ow *OverrideWatcher) reload() error {
	overrides, err := LoadOverrides(ow.dir)
	if err != nil {
		return err
	}
	ow.registry.SetOverrides(overrides)
	ow.log.Info("prompt overrides loaded", "dir", ow.dir, "count", len(overrides))
	return nil
}
