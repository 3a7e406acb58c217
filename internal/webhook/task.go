// Package webhook receives completion callbacks from an external workflow
// engine. Callbacks are signed with an HS256 JWT over the body hash and
// applied at most once per task.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// TaskStatus is the lifecycle of an external task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether s is a final status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a unit of work dispatched to the workflow engine.
type Task struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	RequestID   string          `json:"requestId"`
	Kind        string          `json:"kind"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CostUSD     float64         `json:"costUsd"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

// Completion is the terminal state applied to a pending task.
type Completion struct {
	Status  TaskStatus
	Result  json.RawMessage
	Error   string
	CostUSD float64
	At      time.Time
}

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("webhook task not found")

// TaskStore persists tasks. CompleteTask must be atomic: it applies c only
// when the task is still pending and reports whether it did.
type TaskStore interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	CompleteTask(ctx context.Context, id string, c Completion) (bool, error)
}

// MemoryTaskStore is an in-process TaskStore.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

// NewMemoryTaskStore returns an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

func (m *MemoryTaskStore) CreateTask(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return errors.New("webhook task already exists: " + t.ID)
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryTaskStore) GetTask(_ context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (m *MemoryTaskStore) CompleteTask(_ context.Context, id string, c Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return false, nil
	}
	t.Status = c.Status
	t.Result = c.Result
	t.Error = c.Error
	t.CostUSD = c.CostUSD
	t.CompletedAt = c.At
	m.tasks[id] = t
	return true, nil
}
