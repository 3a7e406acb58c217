package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

var _ resilience.BreakerStore = (*DB)(nil)

// LoadBreaker implements resilience.BreakerStore.
func (d *DB) LoadBreaker(ctx context.Context, name string) (resilience.BreakerSnapshot, bool, error) {
	var (
		state       string
		failures    int
		openedAt    sql.NullInt64
		lastFailure sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT state, failures, opened_at, last_failure FROM breaker_state WHERE name = ?`, name,
	).Scan(&state, &failures, &openedAt, &lastFailure)
	if errors.Is(err, sql.ErrNoRows) {
		return resilience.BreakerSnapshot{}, false, nil
	}
	if err != nil {
		return resilience.BreakerSnapshot{}, false, err
	}
	return resilience.BreakerSnapshot{
		State:       resilience.BreakerState(state),
		Failures:    failures,
		OpenedAt:    fromMilli(openedAt),
		LastFailure: fromMilli(lastFailure),
	}, true, nil
}

// SaveBreaker implements resilience.BreakerStore.
func (d *DB) SaveBreaker(ctx context.Context, name string, snap resilience.BreakerSnapshot) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO breaker_state (name, state, failures, opened_at, last_failure)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			failures = excluded.failures,
			opened_at = excluded.opened_at,
			last_failure = excluded.last_failure`,
		name, string(snap.State), snap.Failures, unixMilli(snap.OpenedAt), unixMilli(snap.LastFailure))
	return err
}
