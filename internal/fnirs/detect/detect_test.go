package detect

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

var (
	normal   = fnirs.HemoglobinDelta{}
	abnormal = fnirs.HemoglobinDelta{HbOLong: -5.34, HbRLong: 2.07}
)

func monitoring(t *testing.T, cfg Config, optodes int) *Detector {
	t.Helper()
	d := New(cfg, optodes)
	for i := 0; i < optodes; i++ {
		d.MarkCalibrated(i, 0)
	}
	require.Equal(t, StateMonitoring, d.State())
	return d
}

func TestBaselineToMonitoring(t *testing.T) {
	d := New(DefaultConfig(), 2)
	assert.Equal(t, StateBaseline, d.State())
	assert.Equal(t, fnirs.FlagUnknown, d.MarkCalibrated(0, 1800).Flag)

	// Re-marking the same optode does not count twice.
	v := d.MarkCalibrated(0, 2000)
	assert.Equal(t, StateBaseline, v.State)
	assert.Nil(t, v.Transition)

	v = d.MarkCalibrated(1, 2200)
	assert.Equal(t, StateMonitoring, v.State)
	assert.Equal(t, fnirs.FlagNegative, v.Flag)
	want := Transition{From: StateBaseline, To: StateMonitoring, OptodeID: 1, TimestampMs: 2200}
	require.NotNil(t, v.Transition)
	if diff := cmp.Diff(want, *v.Transition); diff != "" {
		t.Errorf("transition mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateIgnoredDuringBaseline(t *testing.T) {
	d := New(DefaultConfig(), 1)
	for ts := int64(0); ts < 10000; ts += 200 {
		v := d.Evaluate(0, abnormal, ts)
		assert.Equal(t, StateBaseline, v.State)
		assert.Nil(t, v.Transition)
	}
}

func TestAlertAfterSustainWindow(t *testing.T) {
	d := monitoring(t, DefaultConfig(), 1)

	for ts := int64(0); ts < 2000; ts += 200 {
		assert.Equal(t, StateMonitoring, d.Evaluate(0, normal, ts).State)
	}

	// Step at 2000ms; the sustain duration is 2s.
	var alertedAt int64 = -1
	for ts := int64(2000); ts < 6000; ts += 200 {
		v := d.Evaluate(0, abnormal, ts)
		if v.Transition != nil {
			assert.Equal(t, StateMonitoring, v.Transition.From)
			assert.Equal(t, StateAlerted, v.Transition.To)
			alertedAt = ts
			break
		}
		assert.Equal(t, StateMonitoring, v.State, "ts=%d", ts)
	}
	assert.Equal(t, int64(4000), alertedAt)
	assert.Equal(t, fnirs.FlagPositive, d.State().Flag())
}

func TestCooldownHysteresis(t *testing.T) {
	cfg := Config{
		HbOMagnitudeUM:       3,
		HbRMagnitudeUM:       1.5,
		SustainDuration:      400 * time.Millisecond,
		CooldownDuration:     time.Second,
		ConfirmationDuration: time.Minute,
	}
	d := monitoring(t, cfg, 1)

	steps := []struct {
		ts   int64
		hb   fnirs.HemoglobinDelta
		want State
	}{
		{0, normal, StateMonitoring},
		{200, abnormal, StateMonitoring},
		{400, abnormal, StateMonitoring},
		{600, abnormal, StateAlerted},
		{800, normal, StateAlerted}, // a single reverting sample must not clear
		{1000, abnormal, StateAlerted},
		{1200, normal, StateAlerted},
		{1400, normal, StateAlerted},
		{1600, normal, StateAlerted},
		{1800, normal, StateAlerted},
		{2000, normal, StateAlerted},
		{2200, normal, StateMonitoring},
		{2400, normal, StateMonitoring},
	}
	for _, s := range steps {
		v := d.Evaluate(0, s.hb, s.ts)
		assert.Equal(t, s.want, v.State, "ts=%d", s.ts)
	}
}

func TestCooldownWaitsForEveryOptode(t *testing.T) {
	cfg := Config{
		HbOMagnitudeUM:       3,
		HbRMagnitudeUM:       1.5,
		CooldownDuration:     time.Second,
		ConfirmationDuration: time.Minute,
	}
	d := monitoring(t, cfg, 2)

	assert.Equal(t, StateAlerted, d.Evaluate(0, abnormal, 0).State)
	d.Evaluate(1, abnormal, 0)
	for ts := int64(200); ts <= 3000; ts += 200 {
		assert.Equal(t, StateAlerted, d.Evaluate(0, normal, ts).State)
		assert.Equal(t, StateAlerted, d.Evaluate(1, abnormal, ts).State)
	}
}

func TestConfirmationIsTerminal(t *testing.T) {
	cfg := Config{
		HbOMagnitudeUM:       3,
		HbRMagnitudeUM:       1.5,
		CooldownDuration:     200 * time.Millisecond,
		ConfirmationDuration: time.Second,
	}
	d := monitoring(t, cfg, 1)

	assert.Equal(t, StateAlerted, d.Evaluate(0, abnormal, 0).State)
	for ts := int64(200); ts < 1000; ts += 200 {
		assert.Equal(t, StateAlerted, d.Evaluate(0, abnormal, ts).State)
	}
	v := d.Evaluate(0, abnormal, 1000)
	assert.Equal(t, StateConfirmed, v.State)
	require.NotNil(t, v.Transition)

	for ts := int64(1200); ts < 10000; ts += 200 {
		v := d.Evaluate(0, normal, ts)
		assert.Equal(t, StateConfirmed, v.State)
		assert.Equal(t, fnirs.FlagPositive, v.Flag)
		assert.Nil(t, v.Transition)
	}
}

func TestRateRule(t *testing.T) {
	cfg := Config{
		HbOMagnitudeUM:       1e9,
		HbRMagnitudeUM:       1e9,
		RateUMPerSec:         0.5,
		RateWindow:           2 * time.Second,
		CooldownDuration:     time.Second,
		ConfirmationDuration: time.Minute,
	}

	t.Run("flat", func(t *testing.T) {
		d := monitoring(t, cfg, 1)
		for ts := int64(0); ts < 5000; ts += 200 {
			assert.Equal(t, StateMonitoring, d.Evaluate(0, fnirs.HemoglobinDelta{HbOLong: 2}, ts).State)
		}
	})

	t.Run("ramp", func(t *testing.T) {
		d := monitoring(t, cfg, 1)
		assert.Equal(t, StateMonitoring, d.Evaluate(0, normal, 0).State)
		v := d.Evaluate(0, fnirs.HemoglobinDelta{HbOLong: 0.2}, 200)
		assert.Equal(t, StateAlerted, v.State)
	})
}

func TestFinalize(t *testing.T) {
	d := New(DefaultConfig(), 2)
	d.MarkCalibrated(0, 0)
	v := d.Finalize()
	assert.Equal(t, StateBaseline, v.State)
	assert.Equal(t, fnirs.FlagUnknown, v.Flag)

	// Nothing moves a finalized detector.
	assert.Nil(t, d.MarkCalibrated(1, 200).Transition)
	assert.Equal(t, StateBaseline, d.Evaluate(0, abnormal, 400).State)
}

func TestStateFlag(t *testing.T) {
	assert.Equal(t, fnirs.FlagUnknown, StateBaseline.Flag())
	assert.Equal(t, fnirs.FlagNegative, StateMonitoring.Flag())
	assert.Equal(t, fnirs.FlagPositive, StateAlerted.Flag())
	assert.Equal(t, fnirs.FlagPositive, StateConfirmed.Flag())
}
