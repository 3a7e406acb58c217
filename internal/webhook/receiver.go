package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/forge/internal/logging"
)

// ErrInvalidPayload is wrapped when a callback body cannot be applied.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Payload is the callback body sent by the workflow engine.
type Payload struct {
	RequestID string          `json:"requestId"`
	TaskID    string          `json:"taskId"`
	Status    string          `json:"status"` // success or error
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CostUSD   float64         `json:"costUsd,omitempty"`
}

// Outcome describes how a callback was handled.
type Outcome struct {
	Task      Task
	Duplicate bool
}

// CompletionFunc runs once per task, after it turned terminal.
type CompletionFunc func(ctx context.Context, t Task)

// Receiver registers tasks and applies their callbacks.
type Receiver struct {
	store      TaskStore
	signer     *Signer
	onComplete CompletionFunc
	log        *slog.Logger
	now        func() time.Time
}

// NewReceiver wires a receiver. onComplete and logger may be nil.
func NewReceiver(store TaskStore, signer *Signer, onComplete CompletionFunc, logger *slog.Logger) *Receiver {
	return &Receiver{
		store:      store,
		signer:     signer,
		onComplete: onComplete,
		log:        logging.OrDiscard(logger),
		now:        time.Now,
	}
}

// Register records a pending task before it is dispatched.
func (r *Receiver) Register(ctx context.Context, sessionID, kind string) (Task, error) {
	t := Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("register webhook task: %w", err)
	}
	return t, nil
}

// Handle verifies and applies one callback delivery. A delivery for a task
// that is already terminal succeeds with Duplicate set and has no effect.
func (r *Receiver) Handle(ctx context.Context, authorization string, body []byte) (Outcome, error) {
	if err := r.signer.Verify(authorization, body); err != nil {
		return Outcome{}, err
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.TaskID == "" {
		return Outcome{}, fmt.Errorf("%w: taskId required", ErrInvalidPayload)
	}
	var status TaskStatus
	switch p.Status {
	case "success":
		status = StatusCompleted
	case "error":
		status = StatusFailed
	default:
		return Outcome{}, fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, p.Status)
	}

	task, err := r.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return Outcome{}, err
	}
	if p.RequestID != "" && p.RequestID != task.RequestID {
		return Outcome{}, fmt.Errorf("%w: request id does not match task", ErrInvalidPayload)
	}
	if task.Status.Terminal() {
		r.log.Info("duplicate webhook delivery ignored", "task", task.ID, "status", task.Status)
		return Outcome{Task: task, Duplicate: true}, nil
	}

	c := Completion{
		Status:  status,
		Result:  p.Result,
		Error:   p.Error,
		CostUSD: p.CostUSD,
		At:      r.now().UTC(),
	}
	applied, err := r.store.CompleteTask(ctx, task.ID, c)
	if err != nil {
		return Outcome{}, fmt.Errorf("complete webhook task: %w", err)
	}
	if !applied {
		current, err := r.store.GetTask(ctx, task.ID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Task: current, Duplicate: true}, nil
	}

	task.Status = c.Status
	task.Result = c.Result
	task.Error = c.Error
	task.CostUSD = c.CostUSD
	task.CompletedAt = c.At
	r.log.Info("webhook task completed", "task", task.ID, "session", task.SessionID, "status", task.Status)
	if r.onComplete != nil {
		r.onComplete(ctx, task)
	}
	return Outcome{Task: task}, nil
}
