package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveCheckpoint appends a checkpoint for sessionID taken after phase.
func (d *DB) SaveCheckpoint(ctx context.Context, sessionID, phase string, data []byte) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, phase, data, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, phase, data, time.Now().UnixMilli())
	return err
}

// LatestCheckpoint returns the most recent checkpoint of sessionID.
func (d *DB) LatestCheckpoint(ctx context.Context, sessionID string) (phase string, data []byte, ok bool, err error) {
	err = d.db.QueryRowContext(ctx, `
		SELECT phase, data FROM checkpoints
		WHERE session_id = ?
		ORDER BY checkpoint_id DESC LIMIT 1`, sessionID).Scan(&phase, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	return phase, data, true, nil
}

// DeleteCheckpoints removes every checkpoint of sessionID.
func (d *DB) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	return err
}
