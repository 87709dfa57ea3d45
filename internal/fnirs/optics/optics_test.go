package optics

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

func constantFrame(n int64, v float64) fnirs.RawSample {
	return fnirs.RawSample{
		FrameNumber: n,
		TimestampMs: n * 200,
		NM740Long:   v,
		NM860Long:   v,
		NM740Short:  v,
		NM860Short:  v,
	}
}

func constantFrames(count int, v float64) []fnirs.RawSample {
	out := make([]fnirs.RawSample, count)
	for i := range out {
		out[i] = constantFrame(int64(i+1), v)
	}
	return out
}

func TestODZeroAtBaseline(t *testing.T) {
	for _, v := range []float64{0.01, 1, 2.5, 1800} {
		b, err := ComputeBaseline(constantFrames(10, v), DefaultMinCalibrationFrames)
		require.NoError(t, err)

		od := ToOpticalDensity(constantFrame(11, v), b)
		assert.Equal(t, 0.0, od.NM740Long)
		assert.Equal(t, 0.0, od.NM860Long)
		assert.Equal(t, 0.0, od.NM740Short)
		assert.Equal(t, 0.0, od.NM860Short)
	}
}

func TestAttenuationRoundTrip(t *testing.T) {
	b, err := ComputeBaseline(constantFrames(5, 2.0), DefaultMinCalibrationFrames)
	require.NoError(t, err)

	for _, k := range []float64{1.5, 2, 10, 100} {
		od := ToOpticalDensity(constantFrame(6, 2.0/k), b)
		assert.InDelta(t, math.Log10(k), od.NM860Long, 1e-12, "k=%v", k)
		assert.InDelta(t, math.Log10(k), od.NM740Short, 1e-12, "k=%v", k)
	}
}

func TestODMonotonicInIntensity(t *testing.T) {
	b, err := ComputeBaseline(constantFrames(5, 1.0), DefaultMinCalibrationFrames)
	require.NoError(t, err)

	prev := math.Inf(-1)
	for i := 20; i >= 1; i-- {
		od := ToOpticalDensity(constantFrame(int64(21-i), float64(i)*0.1), b)
		assert.Greater(t, od.NM740Long, prev)
		prev = od.NM740Long
	}
}

func TestDarkSubtractedAndFloored(t *testing.T) {
	raw := fnirs.RawSample{NM740Long: 1.0, NM860Long: 0.01, Dark: 0.02}
	assert.InDelta(t, 0.98, DarkCorrected(raw, fnirs.Ch740Long), 1e-12)
	assert.Equal(t, IntensityFloor, DarkCorrected(raw, fnirs.Ch860Long))

	b := Baseline{I0: [fnirs.NumChannels]float64{1, 1, 1, 1}}
	od := ToOpticalDensity(raw, b)
	assert.False(t, math.IsInf(od.NM860Long, 0))
	assert.InDelta(t, 6.0, od.NM860Long, 1e-9)
}

func TestComputeBaselineInsufficient(t *testing.T) {
	_, err := ComputeBaseline(constantFrames(4, 1.0), 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fnirs.ErrInsufficientCalibrationData))

	b, err := ComputeBaseline(constantFrames(5, 1.0), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, b.Frames)
}

func TestComputeBaselineMean(t *testing.T) {
	frames := []fnirs.RawSample{
		{NM740Long: 1.0, NM860Long: 2.0, Dark: 0.5},
		{NM740Long: 2.0, NM860Long: 3.0, Dark: 0.5},
		{NM740Long: 3.0, NM860Long: 4.0, Dark: 0.5},
	}
	b, err := ComputeBaseline(frames, 3)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, b.I0[fnirs.Ch740Long], 1e-12)
	assert.InDelta(t, 2.5, b.I0[fnirs.Ch860Long], 1e-12)
	assert.Equal(t, IntensityFloor, b.I0[fnirs.Ch740Short])
}

func TestCalibrator(t *testing.T) {
	c := NewCalibrator(10, 5)
	assert.Equal(t, 10, c.Window())

	for i := 1; i < 10; i++ {
		assert.False(t, c.Observe(), "frame %d", i)
	}
	_, err := c.Baseline()
	assert.True(t, errors.Is(err, fnirs.ErrInsufficientCalibrationData))

	assert.True(t, c.Observe())
	assert.Equal(t, 10, c.Seen())

	b, err := c.Freeze(constantFrames(10, 2.0))
	require.NoError(t, err)
	assert.True(t, c.Ready())
	assert.InDelta(t, 2.0, b.I0[fnirs.Ch860Long], 1e-12)

	// Frozen baselines ignore later frames.
	assert.False(t, c.Observe())
	again, err := c.Freeze(constantFrames(10, 9.0))
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestCalibratorWindowRaisedToMinimum(t *testing.T) {
	c := NewCalibrator(2, 5)
	assert.Equal(t, 5, c.Window())

	_, err := c.Freeze(constantFrames(3, 1.0))
	assert.True(t, errors.Is(err, fnirs.ErrInsufficientCalibrationData))
	assert.False(t, c.Ready())
}
