package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ChamsBouzaiene/forge/internal/events"
)

var _ events.Journal = (*DB)(nil)

// Append implements events.Journal.
func (d *DB) Append(ctx context.Context, e events.Event) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return err
		}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, event_id, type, ts, agent, phase, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Seq, e.ID, string(e.Type), e.Timestamp.UnixMilli(), e.Agent, e.Phase, payload)
	return err
}

// ListEvents returns the journaled events of sessionID with Seq > after.
func (d *DB) ListEvents(ctx context.Context, sessionID string, after int64) ([]events.Event, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, event_id, type, ts, agent, phase, payload
		FROM events WHERE session_id = ? AND seq > ? ORDER BY seq`, sessionID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e       events.Event
			typ     string
			ts      int64
			agent   sql.NullString
			phase   sql.NullString
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &ts, &agent, &phase, &payload); err != nil {
			return nil, err
		}
		e.SessionID = sessionID
		e.Type = events.Type(typ)
		e.Timestamp = fromMilli(sql.NullInt64{Int64: ts, Valid: true})
		e.Agent = agent.String
		e.Phase = phase.String
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
