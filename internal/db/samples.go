package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

const (
	rawColumns = `sample_id, session_id, optode_id, frame_number, timestamp_ms,
	nm740_long, nm860_long, nm740_short, nm860_short, dark`

	preprocessedColumns = `sample_id, session_id, optode_id, frame_number, timestamp_ms,
	od_nm740_short, od_nm740_long, od_nm860_short, od_nm860_long,
	hbo_short, hbr_short, hbo_long, hbr_long`

	insertRawSQL = `INSERT INTO raw_samples (
		session_id, optode_id, frame_number, timestamp_ms,
		nm740_long, nm860_long, nm740_short, nm860_short, dark
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// AllOptodes disables the optode filter on the query methods.
const AllOptodes = -1

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertRaw(ctx context.Context, e execer, sessionID int64, s fnirs.RawSample) (int64, error) {
	res, err := e.ExecContext(ctx, insertRawSQL,
		sessionID, s.OptodeID, s.FrameNumber, s.TimestampMs,
		s.NM740Long, s.NM860Long, s.NM740Short, s.NM860Short, s.Dark,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, fmt.Errorf("raw sample for session %d: %w", sessionID, fnirs.ErrForeignKeyViolation)
		}
		return 0, fmt.Errorf("failed to insert raw sample: %w", err)
	}
	return res.LastInsertId()
}

// InsertRawSample appends one raw sample and returns its sample id.
func (db *DB) InsertRawSample(ctx context.Context, sessionID int64, s fnirs.RawSample) (int64, error) {
	return insertRaw(ctx, db.DB, sessionID, s)
}

// InsertRawSamples appends a batch in one transaction and returns the ids in
// input order. Nothing is written if any row fails.
func (db *DB) InsertRawSamples(ctx context.Context, sessionID int64, samples []fnirs.RawSample) ([]int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(samples))
	for _, s := range samples {
		id, err := insertRaw(ctx, tx, sessionID, s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertPreprocessedSample writes the derived record for an existing raw
// sample. A missing raw sample yields fnirs.ErrForeignKeyViolation.
func (db *DB) InsertPreprocessedSample(ctx context.Context, p fnirs.PreprocessedSample) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO preprocessed_samples (`+preprocessedColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SampleID, p.SessionID, p.OptodeID, p.FrameNumber, p.TimestampMs,
		p.OD.NM740Short, p.OD.NM740Long, p.OD.NM860Short, p.OD.NM860Long,
		p.Hb.HbOShort, p.Hb.HbRShort, p.Hb.HbOLong, p.Hb.HbRLong,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("preprocessed sample %d: %w", p.SampleID, fnirs.ErrForeignKeyViolation)
		}
		return fmt.Errorf("failed to insert preprocessed sample %d: %w", p.SampleID, err)
	}
	return nil
}

func scanRaw(rows *sql.Rows) ([]fnirs.RawSample, error) {
	defer rows.Close()
	var out []fnirs.RawSample
	for rows.Next() {
		var s fnirs.RawSample
		if err := rows.Scan(&s.SampleID, &s.SessionID, &s.OptodeID, &s.FrameNumber, &s.TimestampMs,
			&s.NM740Long, &s.NM860Long, &s.NM740Short, &s.NM860Short, &s.Dark); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanPreprocessed(rows *sql.Rows) ([]fnirs.PreprocessedSample, error) {
	defer rows.Close()
	var out []fnirs.PreprocessedSample
	for rows.Next() {
		var p fnirs.PreprocessedSample
		if err := rows.Scan(&p.SampleID, &p.SessionID, &p.OptodeID, &p.FrameNumber, &p.TimestampMs,
			&p.OD.NM740Short, &p.OD.NM740Long, &p.OD.NM860Short, &p.OD.NM860Long,
			&p.Hb.HbOShort, &p.Hb.HbRShort, &p.Hb.HbOLong, &p.Hb.HbRLong); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// optodeFilter returns the WHERE clause tail and args for an optional optode.
func optodeFilter(optodeID int) (string, []interface{}) {
	if optodeID == AllOptodes {
		return "", nil
	}
	return " AND optode_id = ?", []interface{}{optodeID}
}

// LatestRawSamples returns up to limit raw samples, newest first. Pass
// AllOptodes to include every optode.
func (db *DB) LatestRawSamples(ctx context.Context, sessionID int64, limit, optodeID int) ([]fnirs.RawSample, error) {
	clause, extra := optodeFilter(optodeID)
	args := append([]interface{}{sessionID}, extra...)
	rows, err := db.QueryContext(ctx,
		`SELECT `+rawColumns+` FROM raw_samples WHERE session_id = ?`+clause+
			` ORDER BY timestamp_ms DESC, sample_id DESC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	return scanRaw(rows)
}

// LatestPreprocessedSamples returns up to limit preprocessed samples, newest
// first. Pass AllOptodes to include every optode.
func (db *DB) LatestPreprocessedSamples(ctx context.Context, sessionID int64, limit, optodeID int) ([]fnirs.PreprocessedSample, error) {
	clause, extra := optodeFilter(optodeID)
	args := append([]interface{}{sessionID}, extra...)
	rows, err := db.QueryContext(ctx,
		`SELECT `+preprocessedColumns+` FROM preprocessed_samples WHERE session_id = ?`+clause+
			` ORDER BY timestamp_ms DESC, sample_id DESC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	return scanPreprocessed(rows)
}

// SessionSamples is every stored sample of one session ordered by frame
// then optode.
type SessionSamples struct {
	Raw          []fnirs.RawSample
	Preprocessed []fnirs.PreprocessedSample
}

// SamplesBySession loads all raw and preprocessed samples of a session.
func (db *DB) SamplesBySession(ctx context.Context, sessionID int64) (*SessionSamples, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+rawColumns+` FROM raw_samples WHERE session_id = ? ORDER BY frame_number, optode_id`, sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := scanRaw(rows)
	if err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx,
		`SELECT `+preprocessedColumns+` FROM preprocessed_samples WHERE session_id = ? ORDER BY frame_number, optode_id`, sessionID)
	if err != nil {
		return nil, err
	}
	pre, err := scanPreprocessed(rows)
	if err != nil {
		return nil, err
	}
	return &SessionSamples{Raw: raw, Preprocessed: pre}, nil
}

// PreprocessedByTimeRange returns preprocessed samples with
// startMs <= timestamp_ms <= endMs ordered by frame then optode.
func (db *DB) PreprocessedByTimeRange(ctx context.Context, sessionID, startMs, endMs int64, optodeID int) ([]fnirs.PreprocessedSample, error) {
	clause, extra := optodeFilter(optodeID)
	args := append([]interface{}{sessionID}, extra...)
	args = append(args, startMs, endMs)
	rows, err := db.QueryContext(ctx,
		`SELECT `+preprocessedColumns+` FROM preprocessed_samples WHERE session_id = ?`+clause+
			` AND timestamp_ms BETWEEN ? AND ? ORDER BY frame_number, optode_id`, args...)
	if err != nil {
		return nil, err
	}
	return scanPreprocessed(rows)
}

// RawByTimeRange is PreprocessedByTimeRange for raw samples.
func (db *DB) RawByTimeRange(ctx context.Context, sessionID, startMs, endMs int64, optodeID int) ([]fnirs.RawSample, error) {
	clause, extra := optodeFilter(optodeID)
	args := append([]interface{}{sessionID}, extra...)
	args = append(args, startMs, endMs)
	rows, err := db.QueryContext(ctx,
		`SELECT `+rawColumns+` FROM raw_samples WHERE session_id = ?`+clause+
			` AND timestamp_ms BETWEEN ? AND ? ORDER BY frame_number, optode_id`, args...)
	if err != nil {
		return nil, err
	}
	return scanRaw(rows)
}
