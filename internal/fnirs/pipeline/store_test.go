package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// memStore records every write. failPreprocessed, when set, is returned by
// InsertPreprocessedSample, for every frame or only for failFrame.
type memStore struct {
	mu sync.Mutex

	nextID       int64
	raw          []fnirs.RawSample
	preprocessed []fnirs.PreprocessedSample
	flags        map[int64][]fnirs.HemorrhageFlag
	events       []fnirs.DetectorEvent
	ended        map[int64]time.Time

	failPreprocessed error
	failFrame        int64
}

func newMemStore() *memStore {
	return &memStore{
		flags: make(map[int64][]fnirs.HemorrhageFlag),
		ended: make(map[int64]time.Time),
	}
}

func (m *memStore) InsertRawSample(_ context.Context, sessionID int64, s fnirs.RawSample) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.SampleID = m.nextID
	s.SessionID = sessionID
	m.raw = append(m.raw, s)
	return s.SampleID, nil
}

func (m *memStore) InsertPreprocessedSample(_ context.Context, p fnirs.PreprocessedSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPreprocessed != nil && (m.failFrame == 0 || m.failFrame == p.FrameNumber) {
		return m.failPreprocessed
	}
	for _, r := range m.raw {
		if r.SampleID == p.SampleID {
			m.preprocessed = append(m.preprocessed, p)
			return nil
		}
	}
	return fmt.Errorf("sample %d: %w", p.SampleID, fnirs.ErrForeignKeyViolation)
}

func (m *memStore) UpdateSessionHemorrhageFlag(_ context.Context, sessionID int64, flag fnirs.HemorrhageFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[sessionID] = append(m.flags[sessionID], flag)
	return nil
}

func (m *memStore) EndSession(_ context.Context, sessionID int64, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[sessionID] = end
	return nil
}

func (m *memStore) AppendDetectorEvent(_ context.Context, e fnirs.DetectorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) counts() (raw, preprocessed, events int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.raw), len(m.preprocessed), len(m.events)
}

func (m *memStore) preprocessedFor(sessionID int64) []fnirs.PreprocessedSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fnirs.PreprocessedSample
	for _, p := range m.preprocessed {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}
