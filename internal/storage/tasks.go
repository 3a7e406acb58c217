package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ChamsBouzaiene/forge/internal/webhook"
)

var _ webhook.TaskStore = (*DB)(nil)

// CreateTask implements webhook.TaskStore.
func (d *DB) CreateTask(ctx context.Context, t webhook.Task) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO webhook_tasks (task_id, session_id, request_id, kind, status, result, error, cost_usd, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.RequestID, t.Kind, string(t.Status), []byte(t.Result), t.Error, t.CostUSD,
		t.CreatedAt.UnixMilli(), unixMilli(t.CompletedAt))
	return err
}

// GetTask implements webhook.TaskStore.
func (d *DB) GetTask(ctx context.Context, id string) (webhook.Task, error) {
	var (
		t           webhook.Task
		status      string
		result      []byte
		errMsg      sql.NullString
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, request_id, kind, status, result, error, cost_usd, created_at, completed_at
		FROM webhook_tasks WHERE task_id = ?`, id,
	).Scan(&t.ID, &t.SessionID, &t.RequestID, &t.Kind, &status, &result, &errMsg, &t.CostUSD, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Task{}, webhook.ErrTaskNotFound
	}
	if err != nil {
		return webhook.Task{}, err
	}
	t.Status = webhook.TaskStatus(status)
	if len(result) > 0 {
		t.Result = result
	}
	t.Error = errMsg.String
	t.CreatedAt = fromMilli(sql.NullInt64{Int64: createdAt, Valid: true})
	t.CompletedAt = fromMilli(completedAt)
	return t, nil
}

// CompleteTask implements webhook.TaskStore. The status guard in the update
// makes concurrent deliveries apply at most once.
func (d *DB) CompleteTask(ctx context.Context, id string, c webhook.Completion) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE webhook_tasks
		SET status = ?, result = ?, error = ?, cost_usd = ?, completed_at = ?
		WHERE task_id = ? AND status = ?`,
		string(c.Status), []byte(c.Result), c.Error, c.CostUSD, unixMilli(c.At), id, string(webhook.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := d.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
