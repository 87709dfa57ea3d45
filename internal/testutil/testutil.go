// Package testutil provides shared test fixtures: a migrated temporary
// database and deterministic recorded sessions.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/cerebra/internal/db"
	"github.com/banshee-data/cerebra/internal/fnirs"
)

// SessionStart is the start time of every seeded session.
var SessionStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewDB returns a migrated database in t.TempDir, closed when the test ends.
func NewDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Seed describes a recorded session.
type Seed struct {
	Optodes int
	Frames  int64
	Events  []fnirs.DetectorEvent // SessionID is filled in
	Flag    fnirs.HemorrhageFlag
	Ended   bool // end one minute after SessionStart
}

// Sample returns the seeded hemoglobin values of one frame: HbO long falls by
// frame*(optode+1) and HbR long rises by half of that.
func Sample(optode int, frame int64) fnirs.HemoglobinDelta {
	v := float64(frame) * float64(optode+1)
	return fnirs.HemoglobinDelta{HbOLong: -v, HbRLong: v / 2, HbOShort: -v / 10, HbRShort: v / 20}
}

// SeedSession records a 5 Hz session: raw and preprocessed samples for frames
// 1..Frames of every optode at 200ms spacing, then the events, flag and end
// time. It returns the session id.
func SeedSession(t *testing.T, store *db.DB, s Seed) int64 {
	t.Helper()
	ctx := context.Background()
	if s.Optodes < 1 {
		s.Optodes = 1
	}

	id, err := store.CreateSession(ctx, SessionStart, 5, s.Optodes)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for frame := int64(1); frame <= s.Frames; frame++ {
		for optode := 0; optode < s.Optodes; optode++ {
			raw := fnirs.RawSample{
				OptodeID: optode, FrameNumber: frame, TimestampMs: frame * 200,
				NM740Long: 1, NM860Long: 1, NM740Short: 1, NM860Short: 1, Dark: 0.02,
			}
			sampleID, err := store.InsertRawSample(ctx, id, raw)
			if err != nil {
				t.Fatalf("InsertRawSample: %v", err)
			}
			if err := store.InsertPreprocessedSample(ctx, fnirs.PreprocessedSample{
				SampleID: sampleID, SessionID: id, OptodeID: optode,
				FrameNumber: frame, TimestampMs: frame * 200,
				Hb: Sample(optode, frame),
			}); err != nil {
				t.Fatalf("InsertPreprocessedSample: %v", err)
			}
		}
	}
	for _, e := range s.Events {
		e.SessionID = id
		if err := store.AppendDetectorEvent(ctx, e); err != nil {
			t.Fatalf("AppendDetectorEvent: %v", err)
		}
	}
	if s.Flag != fnirs.FlagUnknown {
		if err := store.UpdateSessionHemorrhageFlag(ctx, id, s.Flag); err != nil {
			t.Fatalf("UpdateSessionHemorrhageFlag: %v", err)
		}
	}
	if s.Ended {
		if err := store.EndSession(ctx, id, SessionStart.Add(time.Minute)); err != nil {
			t.Fatalf("EndSession: %v", err)
		}
	}
	return id
}
