package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session not found")

// CreateSession inserts a session starting at start and returns its id.
func (db *DB) CreateSession(ctx context.Context, start time.Time, sampleRateHz float64, numOptodes int) (int64, error) {
	if sampleRateHz <= 0 {
		return 0, fmt.Errorf("sample rate must be positive, got %v", sampleRateHz)
	}
	if numOptodes < 1 {
		return 0, fmt.Errorf("optode count must be positive, got %d", numOptodes)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO sessions (start_time_ms, sample_rate_hz, num_optodes, created_at_ms)
		 VALUES (?, ?, ?, ?)`,
		start.UnixMilli(), sampleRateHz, numOptodes, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	return res.LastInsertId()
}

const sessionColumns = `session_id, start_time_ms, end_time_ms, sample_rate_hz, num_optodes,
	hemorrhage_detected, created_at_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*fnirs.Session, error) {
	var (
		s                fnirs.Session
		startMs, created int64
		endMs, flag      sql.NullInt64
	)
	if err := row.Scan(&s.ID, &startMs, &endMs, &s.SampleRateHz, &s.NumOptodes, &flag, &created); err != nil {
		return nil, err
	}
	s.StartTime = fromMilli(startMs)
	s.CreatedAt = fromMilli(created)
	if endMs.Valid {
		end := fromMilli(endMs.Int64)
		s.EndTime = &end
	}
	s.HemorrhageDetected = fnirs.FlagFromNullable(flag.Valid, flag.Int64)
	return &s, nil
}

// GetSession returns the session row or ErrSessionNotFound.
func (db *DB) GetSession(ctx context.Context, id int64) (*fnirs.Session, error) {
	s, err := scanSession(db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return s, err
}

// ListSessions returns the most recent sessions first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]fnirs.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY start_time_ms DESC, session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []fnirs.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// UpdateSessionHemorrhageFlag stores the tri-state verdict. It is allowed
// after the session has ended.
func (db *DB) UpdateSessionHemorrhageFlag(ctx context.Context, sessionID int64, flag fnirs.HemorrhageFlag) error {
	return db.updateSession(ctx, sessionID,
		`UPDATE sessions SET hemorrhage_detected = ? WHERE session_id = ?`, flag.SQLValue(), sessionID)
}

// EndSession records the end time. Ending an already closed session is an
// error so a session's end time is written once.
func (db *DB) EndSession(ctx context.Context, sessionID int64, end time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET end_time_ms = ? WHERE session_id = ? AND end_time_ms IS NULL`,
		end.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	s, err := db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("session %d already ended at %s", s.ID, s.EndTime.Format(time.RFC3339))
}

func (db *DB) updateSession(ctx context.Context, sessionID int64, query string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}
