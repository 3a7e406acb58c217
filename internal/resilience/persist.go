package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const persistTimeout = 2 * time.Second

// writeBehind saves the latest value per key on a background goroutine.
// Callers never wait on the store; a value superseded before it was written
// is dropped.
type writeBehind[T any] struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending map[string]T
	running bool

	save func(ctx context.Context, key string, v T) error
	log  *slog.Logger
	what string
}

func newWriteBehind[T any](what string, log *slog.Logger, save func(ctx context.Context, key string, v T) error) *writeBehind[T] {
	w := &writeBehind[T]{
		pending: make(map[string]T),
		save:    save,
		log:     log,
		what:    what,
	}
	w.idle = sync.NewCond(&w.mu)
	return w
}

// put queues v for key, replacing any value not yet written.
func (w *writeBehind[T]) put(key string, v T) {
	w.mu.Lock()
	w.pending[key] = v
	start := !w.running
	w.running = true
	w.mu.Unlock()
	if start {
		go w.drain()
	}
}

func (w *writeBehind[T]) drain() {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.running = false
			w.idle.Broadcast()
			w.mu.Unlock()
			return
		}
		batch := w.pending
		w.pending = make(map[string]T)
		w.mu.Unlock()

		for key, v := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := w.save(ctx, key, v); err != nil {
				w.log.Debug(w.what+" persist failed", "key", key, "error", err)
			}
			cancel()
		}
	}
}

// flush blocks until every queued value has been handed to the store.
func (w *writeBehind[T]) flush() {
	w.mu.Lock()
	for w.running {
		w.idle.Wait()
	}
	w.mu.Unlock()
}
