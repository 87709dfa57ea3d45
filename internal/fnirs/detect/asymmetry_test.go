package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

func enabledAsymmetry() AsymmetryConfig {
	cfg := DefaultAsymmetryConfig()
	cfg.Enabled = true
	return cfg
}

func TestAsymmetryPairs(t *testing.T) {
	tests := []struct {
		optodes, optode int
		want            int
		ok              bool
	}{
		{16, 0, 8, true},
		{16, 8, 0, true},
		{16, 15, 7, true},
		{16, 16, 0, false},
		{2, 0, 1, true},
		{2, 1, 0, true},
		{3, 1, 0, true},
		{3, 2, 0, false},
		{1, 0, 0, false},
	}
	for _, tt := range tests {
		pair, ok := NewAsymmetry(enabledAsymmetry(), tt.optodes).Pair(tt.optode)
		assert.Equal(t, tt.ok, ok, "%d of %d", tt.optode, tt.optodes)
		if ok {
			assert.Equal(t, tt.want, pair, "%d of %d", tt.optode, tt.optodes)
		}
	}
}

func TestAsymmetryVotes(t *testing.T) {
	a := NewAsymmetry(enabledAsymmetry(), 2)

	class, flags := a.Observe(1, fnirs.OpticalDensity{}, fnirs.HemoglobinDelta{HbOLong: 1})
	assert.Equal(t, ClassNormal, class, "pair not seen yet")
	assert.Equal(t, AsymmetryFlags{}, flags)

	class, flags = a.Observe(0, fnirs.OpticalDensity{NM860Long: 0.1}, fnirs.HemoglobinDelta{HbOLong: 2})
	assert.Equal(t, AsymmetryFlags{OD860: true, HbT: true, Persistence: true}, flags)
	assert.Equal(t, ClassAbnormality, class)
}

func TestAsymmetryIgnoresRelativeDifferenceOfFallingHbT(t *testing.T) {
	a := NewAsymmetry(enabledAsymmetry(), 2)
	a.Observe(1, fnirs.OpticalDensity{}, fnirs.HemoglobinDelta{HbOLong: -1})
	class, flags := a.Observe(0, fnirs.OpticalDensity{}, fnirs.HemoglobinDelta{HbOLong: -3})
	assert.False(t, flags.HbT)
	assert.Equal(t, ClassNormal, class)
}

func TestAsymmetrySlope(t *testing.T) {
	a := NewAsymmetry(enabledAsymmetry(), 2)
	a.Observe(1, fnirs.OpticalDensity{}, fnirs.HemoglobinDelta{})

	var flags AsymmetryFlags
	for k := 1; k <= 5; k++ {
		_, flags = a.Observe(0, fnirs.OpticalDensity{}, fnirs.HemoglobinDelta{HbOLong: float64(k)})
		if k == 1 {
			assert.False(t, flags.Slope, "one point has no slope")
		}
	}
	assert.True(t, flags.Slope)
	assert.Equal(t, 3, flags.Count())
	assert.Equal(t, ClassAbnormality, flags.Classify())
}

func TestAsymmetryClassify(t *testing.T) {
	assert.Equal(t, ClassNormal, AsymmetryFlags{Slope: true}.Classify())
	assert.Equal(t, ClassAbnormality, AsymmetryFlags{OD860: true, OD740: true}.Classify())
	assert.Equal(t, ClassPotentialICH, AsymmetryFlags{OD860: true, OD740: true, DualWavelength: true, Persistence: true}.Classify())
}

func TestAsymmetryRaisesAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HbOMagnitudeUM = 100
	cfg.HbRMagnitudeUM = 100
	cfg.RateUMPerSec = 0

	run := func(cfg Config) (alertedAt int64, last Verdict) {
		d := monitoring(t, cfg, 2)
		alertedAt = -1
		for k := int64(1); k <= 11; k++ {
			d.EvaluateSample(fnirs.PreprocessedSample{OptodeID: 1, TimestampMs: k * 200})
			last = d.EvaluateSample(fnirs.PreprocessedSample{
				OptodeID:    0,
				TimestampMs: k * 200,
				OD:          fnirs.OpticalDensity{NM740Long: 0.1, NM860Long: 0.1},
			})
			if alertedAt < 0 && last.Transition != nil && last.Transition.To == StateAlerted {
				alertedAt = k * 200
			}
		}
		return alertedAt, last
	}

	alertedAt, _ := run(cfg)
	assert.Equal(t, int64(-1), alertedAt, "rule disabled")

	cfg.Asymmetry.Enabled = true
	alertedAt, last := run(cfg)
	// Optode 0 votes POTENTIAL_ICH from 200ms; sustain is 2s.
	assert.Equal(t, int64(2200), alertedAt)
	require.NotNil(t, last.Transition)
	assert.Equal(t, 0, last.Transition.OptodeID)
	assert.Equal(t, ClassPotentialICH, last.Classification)
}

func TestAsymmetryConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultAsymmetryConfig().Validate(), "disabled")
	assert.NoError(t, enabledAsymmetry().Validate())

	bad := enabledAsymmetry()
	bad.PersistenceRatio = 1
	assert.Error(t, bad.Validate())

	bad = enabledAsymmetry()
	bad.SlopeWindow = 1
	assert.Error(t, bad.Validate())
}
