package hemo

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// forward applies ΔOD = ε·ΔC·L for one distance, with ΔC in µM.
func forward(e ExtinctionMatrix, l, hboUM, hbrUM float64) (od740, od860 float64) {
	hbo, hbr := hboUM/molarToMicromolar, hbrUM/molarToMicromolar
	od740 = (e[0][0]*hbo + e[0][1]*hbr) * l
	od860 = (e[1][0]*hbo + e[1][1]*hbr) * l
	return od740, od860
}

func TestZeroODYieldsZeroHemoglobin(t *testing.T) {
	hb, err := ToHemoglobinDeltas(fnirs.OpticalDensity{}, DefaultPathlengths(), DefaultExtinction())
	require.NoError(t, err)
	assert.Equal(t, fnirs.HemoglobinDelta{}, hb)
}

func TestRoundTrip(t *testing.T) {
	e := DefaultExtinction()
	p := DefaultPathlengths()
	est, err := NewEstimator(p, e, 0)
	require.NoError(t, err)

	tests := []struct {
		name     string
		hbo, hbr float64
	}{
		{"oxygenation", 2.0, -1.0},
		{"pooling", 4.0, 3.0},
		{"deoxygenation", -5.3, 2.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var od fnirs.OpticalDensity
			od.NM740Short, od.NM860Short = forward(e, p.Short(), tt.hbo, tt.hbr)
			od.NM740Long, od.NM860Long = forward(e, p.Long(), tt.hbo*2, tt.hbr*2)

			hb := est.Estimate(od)
			assert.InDelta(t, tt.hbo, hb.HbOShort, 1e-9)
			assert.InDelta(t, tt.hbr, hb.HbRShort, 1e-9)
			assert.InDelta(t, tt.hbo*2, hb.HbOLong, 1e-9)
			assert.InDelta(t, tt.hbr*2, hb.HbRLong, 1e-9)
		})
	}
}

func TestDistancesSolvedIndependently(t *testing.T) {
	est, err := NewEstimator(DefaultPathlengths(), DefaultExtinction(), 0)
	require.NoError(t, err)

	hb := est.Estimate(fnirs.OpticalDensity{NM860Long: 0.1})
	assert.Equal(t, 0.0, hb.HbOShort)
	assert.Equal(t, 0.0, hb.HbRShort)
	assert.NotZero(t, hb.HbOLong)
	assert.NotZero(t, hb.HbRLong)
}

func TestBrighter860LongSeparation(t *testing.T) {
	// A 50% rise in 860nm light on the long channel is OD -log10(1.5).
	od := fnirs.OpticalDensity{NM860Long: -math.Log10(1.5)}
	hb, err := ToHemoglobinDeltas(od, DefaultPathlengths(), DefaultExtinction())
	require.NoError(t, err)

	assert.InDelta(t, -5.3, hb.HbOLong, 0.1)
	assert.InDelta(t, 2.05, hb.HbRLong, 0.1)
}

func TestIllConditioned(t *testing.T) {
	tests := []struct {
		name string
		p    Pathlengths
		e    ExtinctionMatrix
	}{
		{"singular matrix", DefaultPathlengths(), ExtinctionMatrix{{1, 2}, {2, 4}}},
		{"near singular matrix", DefaultPathlengths(), ExtinctionMatrix{{1000, 2000}, {1000, 2000.0000001}}},
		{"zero matrix", DefaultPathlengths(), ExtinctionMatrix{}},
		{"zero pathlength", Pathlengths{DPFShort: 6, DPFLong: 0, SeparationShort: 1.5, SeparationLong: 3}, DefaultExtinction()},
		{"negative separation", Pathlengths{DPFShort: 6, DPFLong: 6, SeparationShort: -1.5, SeparationLong: 3}, DefaultExtinction()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEstimator(tt.p, tt.e, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, fnirs.ErrIllConditionedSystem))

			_, err = ToHemoglobinDeltas(fnirs.OpticalDensity{}, tt.p, tt.e)
			assert.True(t, errors.Is(err, fnirs.ErrIllConditionedSystem))
		})
	}
}

func TestPathlengths(t *testing.T) {
	p := DefaultPathlengths()
	assert.Equal(t, 9.0, p.Short())
	assert.Equal(t, 18.0, p.Long())
}
