package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cerebra/internal/fnirs"
	"github.com/banshee-data/cerebra/internal/fnirs/detect"
	"github.com/banshee-data/cerebra/internal/fnirs/hemo"
	"github.com/banshee-data/cerebra/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// frame returns a dark-free frame at 5 Hz. step scales the 860nm long
// channel relative to its baseline.
func frame(session int64, optode int, n int64, step float64) fnirs.RawSample {
	return fnirs.RawSample{
		SessionID:   session,
		OptodeID:    optode,
		FrameNumber: n,
		TimestampMs: (n - 1) * 200,
		NM740Long:   1.8,
		NM860Long:   2.0 * step,
		NM740Short:  1.3,
		NM860Short:  1.5,
	}
}

func testConfig(optodes, calibration int) Config {
	cfg := DefaultConfig()
	cfg.NumOptodes = optodes
	cfg.CalibrationFrames = calibration
	cfg.OutOfOrder = PolicyAbort
	return cfg
}

func newTestSession(t *testing.T, cfg Config) (*Session, *memStore, *timeutil.MockClock) {
	t.Helper()
	store := newMemStore()
	clock := timeutil.NewMockClock(epoch)
	s, err := NewSession(1, cfg, store, clock)
	require.NoError(t, err)
	return s, store, clock
}

func TestStepChangeRaisesAlertAfterSustainWindow(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestSession(t, testConfig(1, 10))

	for n := int64(1); n <= 9; n++ {
		res, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err)
		assert.True(t, res.Deferred)
		assert.Empty(t, res.Preprocessed)
		assert.Equal(t, detect.StateBaseline, res.Verdict.State)
	}

	res, err := s.Process(ctx, frame(1, 0, 10, 1))
	require.NoError(t, err)
	assert.True(t, res.Calibrated)
	assert.False(t, res.Deferred)
	assert.Empty(t, res.Preprocessed, "calibration frames are not emitted")
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, detect.StateMonitoring, res.Transitions[0].To)
	_, pre, _ := store.counts()
	assert.Zero(t, pre)

	alertedAt := int64(-1)
	for n := int64(11); n <= 30; n++ {
		res, err := s.Process(ctx, frame(1, 0, n, 1.5))
		require.NoError(t, err)
		require.Len(t, res.Preprocessed, 1)
		assert.Equal(t, n, res.Preprocessed[0].SampleID)
		assert.Nil(t, res.SCI, "cleanup disabled")
		if alertedAt < 0 && res.Verdict.State == detect.StateAlerted {
			alertedAt = n
			require.Len(t, res.Transitions, 1)
			assert.Equal(t, detect.StateMonitoring, res.Transitions[0].From)
		}
	}
	// The step starts at frame 11 (2000ms); sustain is 2s, so frame 21.
	assert.Equal(t, int64(21), alertedAt)

	raw, pre, events := store.counts()
	assert.Equal(t, 30, raw)
	assert.Equal(t, 20, pre)
	assert.Equal(t, 2, events)
	assert.Equal(t, []fnirs.HemorrhageFlag{fnirs.FlagNegative, fnirs.FlagPositive}, store.flags[1])
	assert.NotEqual(t, store.events[0].EventID, store.events[1].EventID)
	assert.Equal(t, "ALERTED", store.events[1].ToState)
	assert.Equal(t, int64(4000), store.events[1].TimestampMs)

	clock.Advance(time.Minute)
	sum, err := s.Close(ctx)
	require.NoError(t, err)
	want := Summary{
		SessionID:       1,
		CapturedFrames:  30,
		ProcessedFrames: 20,
		BaselineFrames:  10,
		State:           detect.StateAlerted,
		Flag:            fnirs.FlagPositive,
		Closed:          true,
	}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, epoch.Add(time.Minute), store.ended[1])
	assert.Equal(t, fnirs.FlagPositive, store.flags[1][len(store.flags[1])-1])
}

func TestMonitoringOnlyAfterEveryOptodeCalibrates(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSession(t, testConfig(2, 5))

	for n := int64(1); n <= 5; n++ {
		_, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err)
	}
	for n := int64(1); n <= 4; n++ {
		_, err := s.Process(ctx, frame(1, 1, n, 1))
		require.NoError(t, err)
	}
	sum := s.Summary()
	assert.Equal(t, detect.StateBaseline, sum.State, "N-1 frames on optode 1")
	assert.Equal(t, fnirs.FlagUnknown, sum.Flag)
	assert.Zero(t, sum.ProcessedFrames)
	assert.Equal(t, 5, sum.BaselineFrames)
	assert.Equal(t, 4, sum.DeferredFrames)

	res, err := s.Process(ctx, frame(1, 1, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, detect.StateMonitoring, res.Verdict.State)
	assert.Empty(t, res.Preprocessed)
	sum = s.Summary()
	assert.Equal(t, 0, sum.DeferredFrames)
	assert.Equal(t, 10, sum.BaselineFrames)
}

func TestOutOfOrderLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()

	t.Run("during calibration", func(t *testing.T) {
		s, store, _ := newTestSession(t, testConfig(1, 10))
		for n := int64(1); n <= 5; n++ {
			_, err := s.Process(ctx, frame(1, 0, n, 1))
			require.NoError(t, err)
		}

		_, err := s.Process(ctx, frame(1, 0, 3, 1))
		require.Error(t, err)
		assert.True(t, errors.Is(err, fnirs.ErrOutOfOrderFrame))
		var fe *fnirs.FrameError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, int64(3), fe.FrameNumber)
		assert.Equal(t, 5, s.Summary().DeferredFrames)

		for n := int64(6); n <= 9; n++ {
			res, err := s.Process(ctx, frame(1, 0, n, 1))
			require.NoError(t, err)
			assert.True(t, res.Deferred)
		}
		res, err := s.Process(ctx, frame(1, 0, 10, 1))
		require.NoError(t, err)
		assert.True(t, res.Calibrated)
		assert.Empty(t, res.Preprocessed)

		raw, _, _ := store.counts()
		assert.Equal(t, 10, raw)
	})

	t.Run("while monitoring", func(t *testing.T) {
		s, store, _ := newTestSession(t, testConfig(1, 10))
		for n := int64(1); n <= 12; n++ {
			_, err := s.Process(ctx, frame(1, 0, n, 1))
			require.NoError(t, err)
		}
		for n := int64(13); n <= 14; n++ {
			_, err := s.Process(ctx, frame(1, 0, n, 1.5))
			require.NoError(t, err)
		}
		before := s.Summary()
		raw, pre, _ := store.counts()

		// A normal frame would restart the abnormal run if it got through.
		_, err := s.Process(ctx, frame(1, 0, 12, 1))
		assert.True(t, errors.Is(err, fnirs.ErrOutOfOrderFrame))
		assert.Equal(t, before, s.Summary())
		raw2, pre2, _ := store.counts()
		assert.Equal(t, raw, raw2)
		assert.Equal(t, pre, pre2)

		// Abnormal since frame 13 (2400ms): alert at 4400ms, frame 23.
		for n := int64(15); n <= 23; n++ {
			res, err := s.Process(ctx, frame(1, 0, n, 1.5))
			require.NoError(t, err)
			if n < 23 {
				assert.Equal(t, detect.StateMonitoring, res.Verdict.State, "frame %d", n)
			} else {
				assert.Equal(t, detect.StateAlerted, res.Verdict.State)
			}
		}
	})
}

func TestOutOfOrderDropPolicy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(1, 5)
	cfg.OutOfOrder = PolicyDrop
	s, store, _ := newTestSession(t, cfg)

	_, err := s.Process(ctx, frame(1, 0, 2, 1))
	require.NoError(t, err)
	res, err := s.Process(ctx, frame(1, 0, 1, 1))
	require.NoError(t, err)
	assert.True(t, res.Dropped)
	assert.Equal(t, 1, s.Summary().DroppedOutOfOrder)

	raw, _, _ := store.counts()
	assert.Equal(t, 1, raw)
}

func TestForeignKeyViolationSurfaces(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestSession(t, testConfig(1, 5))
	store.failPreprocessed = fmt.Errorf("insert: %w", fnirs.ErrForeignKeyViolation)

	for n := int64(1); n <= 5; n++ {
		_, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err, "calibration writes no preprocessed rows")
	}
	_, err := s.Process(ctx, frame(1, 0, 6, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fnirs.ErrForeignKeyViolation))

	var fe *fnirs.FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, int64(6), fe.FrameNumber)
	assert.Equal(t, int64(1), fe.SessionID)

	_, pre, _ := store.counts()
	assert.Zero(t, pre)
}

func TestFailedWriteDoesNotAdvanceDetector(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestSession(t, testConfig(1, 10))
	for n := int64(1); n <= 10; n++ {
		_, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err)
	}
	for n := int64(11); n <= 20; n++ {
		_, err := s.Process(ctx, frame(1, 0, n, 1.5))
		require.NoError(t, err)
	}

	// Frame 21 would raise the alert; its write fails.
	store.failPreprocessed = fmt.Errorf("insert: %w", fnirs.ErrForeignKeyViolation)
	store.failFrame = 21
	res, err := s.Process(ctx, frame(1, 0, 21, 1.5))
	require.True(t, errors.Is(err, fnirs.ErrForeignKeyViolation))
	assert.Empty(t, res.Transitions)
	assert.Equal(t, detect.StateMonitoring, res.Verdict.State)
	assert.Equal(t, detect.StateMonitoring, s.Summary().State)
	assert.Equal(t, 10, s.Summary().ProcessedFrames)

	res, err = s.Process(ctx, frame(1, 0, 22, 1.5))
	require.NoError(t, err)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, detect.StateAlerted, res.Transitions[0].To)
	assert.Equal(t, int64(4200), res.Transitions[0].TimestampMs)

	_, _, events := store.counts()
	assert.Equal(t, 2, events)
	assert.Equal(t, "ALERTED", store.events[1].ToState)
}

func TestIllConditionedFramesSkipped(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(1, 5)
	cfg.Extinction = hemo.ExtinctionMatrix{{1, 2}, {2, 4}}
	s, store, _ := newTestSession(t, cfg)

	for n := int64(1); n <= 5; n++ {
		_, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err)
	}
	res, err := s.Process(ctx, frame(1, 0, 6, 1))
	assert.True(t, errors.Is(err, fnirs.ErrIllConditionedSystem))
	assert.Empty(t, res.Preprocessed)

	_, err = s.Process(ctx, frame(1, 0, 7, 1))
	assert.True(t, errors.Is(err, fnirs.ErrIllConditionedSystem))

	sum := s.Summary()
	assert.Equal(t, 2, sum.SkippedIllConditioned)
	assert.Equal(t, 7, sum.CapturedFrames)
	assert.Zero(t, sum.ProcessedFrames)

	raw, pre, _ := store.counts()
	assert.Equal(t, 7, raw)
	assert.Zero(t, pre)
}

func TestCleanupStage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(1, 5)
	cfg.Cleanup.Enabled = true
	cfg.Cleanup.SCIWindow = 3
	s, store, _ := newTestSession(t, cfg)

	for n := int64(1); n <= 5; n++ {
		_, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err)
	}
	for n := int64(6); n <= 8; n++ {
		res, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err)
		require.Len(t, res.Preprocessed, 1)
		assert.Equal(t, fnirs.HemoglobinDelta{}, res.Preprocessed[0].Hb, "baseline signal stays at zero")
		if n < 8 {
			assert.Nil(t, res.SCI)
		} else {
			require.NotNil(t, res.SCI)
			assert.Zero(t, *res.SCI, "flat signal")
		}
	}

	// A failed write leaves the filter state where it was.
	before := s.optodes[0].clean.Clone()
	store.failPreprocessed = errors.New("disk full")
	_, err := s.Process(ctx, frame(1, 0, 9, 2))
	require.Error(t, err)
	b740, b860 := before.Beta()
	a740, a860 := s.optodes[0].clean.Beta()
	assert.Equal(t, b740, a740)
	assert.Equal(t, b860, a860)
	assert.Equal(t, before.Clone(), s.optodes[0].clean.Clone())
}

func TestCloseDiscardsUncalibratedFrames(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestSession(t, testConfig(2, 5))

	for n := int64(1); n <= 5; n++ {
		_, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err)
	}
	for n := int64(1); n <= 3; n++ {
		_, err := s.Process(ctx, frame(1, 1, n, 1))
		require.NoError(t, err)
	}

	sum, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.DiscardedFrames)
	assert.Zero(t, sum.DeferredFrames)
	assert.Equal(t, detect.StateBaseline, sum.State)
	assert.Equal(t, []fnirs.HemorrhageFlag{fnirs.FlagUnknown}, store.flags[1])
	assert.Equal(t, epoch, store.ended[1])

	_, err = s.Process(ctx, frame(1, 0, 6, 1))
	assert.True(t, errors.Is(err, ErrSessionClosed))

	again, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum, again)
	assert.Len(t, store.flags[1], 1)
}

func TestCloseFinalizesDetector(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestSession(t, testConfig(1, 5))
	for n := int64(1); n <= 6; n++ {
		_, err := s.Process(ctx, frame(1, 0, n, 1))
		require.NoError(t, err)
	}

	sum, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, detect.StateMonitoring, sum.State)
	assert.Equal(t, fnirs.FlagNegative, store.flags[1][len(store.flags[1])-1])

	// A finalized detector ignores further samples.
	v := s.detector.Evaluate(0, fnirs.HemoglobinDelta{HbOLong: 1000, HbRLong: -1000}, 100000)
	assert.Nil(t, v.Transition)
	assert.Equal(t, detect.StateMonitoring, s.detector.State())
}

func TestNewSessionRequiresStore(t *testing.T) {
	_, err := NewSession(1, DefaultConfig(), nil, nil)
	assert.Error(t, err)

	var nilStore *memStore
	_, err = NewSession(1, DefaultConfig(), nilStore, nil)
	assert.Error(t, err)
}
