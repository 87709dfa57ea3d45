package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// AppendDetectorEvent stores one state transition. An empty EventID is
// replaced by a new UUID.
func (db *DB) AppendDetectorEvent(ctx context.Context, e fnirs.DetectorEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO detector_events (event_id, session_id, optode_id, from_state, to_state, timestamp_ms, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.SessionID, e.OptodeID, e.FromState, e.ToState, e.TimestampMs, time.Now().UnixMilli(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("detector event for session %d: %w", e.SessionID, fnirs.ErrForeignKeyViolation)
		}
		return fmt.Errorf("failed to append detector event: %w", err)
	}
	return nil
}

// DetectorEvents returns a session's transitions in the order they happened.
func (db *DB) DetectorEvents(ctx context.Context, sessionID int64) ([]fnirs.DetectorEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT event_id, session_id, optode_id, from_state, to_state, timestamp_ms
		 FROM detector_events WHERE session_id = ? ORDER BY timestamp_ms, created_at_ms, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []fnirs.DetectorEvent
	for rows.Next() {
		var e fnirs.DetectorEvent
		if err := rows.Scan(&e.EventID, &e.SessionID, &e.OptodeID, &e.FromState, &e.ToState, &e.TimestampMs); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
