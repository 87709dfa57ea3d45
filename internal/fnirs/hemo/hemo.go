// Package hemo applies the modified Beer-Lambert law to optical density
// changes, producing oxy- and deoxy-hemoglobin concentration changes for the
// short and long source-detector separations independently.
package hemo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// Physical defaults. Extinction coefficients are decadic, in cm⁻¹/M.
const (
	DefaultDPF             = 6.0
	DefaultSeparationShort = 1.5 // cm
	DefaultSeparationLong  = 3.0 // cm
	DefaultTolerance       = 1e-9
	molarToMicromolar      = 1e6
	wavelengths            = 2
	chromophores           = 2
)

// ExtinctionMatrix holds ε with rows (740nm, 860nm) and columns (HbO, HbR).
type ExtinctionMatrix [wavelengths][chromophores]float64

// DefaultExtinction returns the coefficients used by the acquisition device.
func DefaultExtinction() ExtinctionMatrix {
	return ExtinctionMatrix{
		{1486, 3843},
		{2526, 1798},
	}
}

func (e ExtinctionMatrix) dense() *mat.Dense {
	return mat.NewDense(wavelengths, chromophores, []float64{
		e[0][0], e[0][1],
		e[1][0], e[1][1],
	})
}

// scale is the largest coefficient magnitude, used to make the determinant
// tolerance independent of units.
func (e ExtinctionMatrix) scale() float64 {
	var m float64
	for _, row := range e {
		for _, v := range row {
			m = math.Max(m, math.Abs(v))
		}
	}
	return m
}

// Pathlengths describes the differential pathlength factor and physical
// separation of each distance. The effective pathlength is DPF × separation.
type Pathlengths struct {
	DPFShort        float64 `json:"dpf_short"`
	DPFLong         float64 `json:"dpf_long"`
	SeparationShort float64 `json:"separation_short_cm"`
	SeparationLong  float64 `json:"separation_long_cm"`
}

// DefaultPathlengths returns DPF 6 at 1.5 cm and 3.0 cm.
func DefaultPathlengths() Pathlengths {
	return Pathlengths{
		DPFShort:        DefaultDPF,
		DPFLong:         DefaultDPF,
		SeparationShort: DefaultSeparationShort,
		SeparationLong:  DefaultSeparationLong,
	}
}

// Short returns the effective short-separation pathlength in cm.
func (p Pathlengths) Short() float64 { return p.DPFShort * p.SeparationShort }

// Long returns the effective long-separation pathlength in cm.
func (p Pathlengths) Long() float64 { return p.DPFLong * p.SeparationLong }

// Estimator holds the inverted Beer-Lambert systems for one configuration.
// It is immutable and safe for concurrent use.
type Estimator struct {
	short *mat.Dense
	long  *mat.Dense
}

// NewEstimator inverts the per-distance systems once. tol is the smallest
// accepted |det(ε)| relative to the square of the largest coefficient; a
// non-positive tol selects DefaultTolerance.
func NewEstimator(p Pathlengths, e ExtinctionMatrix, tol float64) (*Estimator, error) {
	if tol <= 0 {
		tol = DefaultTolerance
	}
	eps := e.dense()
	s := e.scale()
	if s == 0 || math.Abs(mat.Det(eps)) < tol*s*s {
		return nil, fmt.Errorf("%w: extinction determinant %.3g", fnirs.ErrIllConditionedSystem, mat.Det(eps))
	}

	short, err := invertScaled(eps, p.Short())
	if err != nil {
		return nil, fmt.Errorf("short separation: %w", err)
	}
	long, err := invertScaled(eps, p.Long())
	if err != nil {
		return nil, fmt.Errorf("long separation: %w", err)
	}
	return &Estimator{short: short, long: long}, nil
}

// invertScaled returns (ε·L)⁻¹.
func invertScaled(eps *mat.Dense, l float64) (*mat.Dense, error) {
	if !(l > 0) || math.IsInf(l, 0) {
		return nil, fmt.Errorf("%w: pathlength %v cm", fnirs.ErrIllConditionedSystem, l)
	}
	var a mat.Dense
	a.Scale(l, eps)

	var inv mat.Dense
	if err := inv.Inverse(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", fnirs.ErrIllConditionedSystem, err)
	}
	return &inv, nil
}

// Estimate converts one frame's optical density into µM concentration
// changes.
func (est *Estimator) Estimate(od fnirs.OpticalDensity) fnirs.HemoglobinDelta {
	hboS, hbrS := solve(est.short, od.NM740Short, od.NM860Short)
	hboL, hbrL := solve(est.long, od.NM740Long, od.NM860Long)
	return fnirs.HemoglobinDelta{
		HbOShort: hboS,
		HbRShort: hbrS,
		HbOLong:  hboL,
		HbRLong:  hbrL,
	}
}

func solve(inv *mat.Dense, od740, od860 float64) (hbo, hbr float64) {
	var c mat.VecDense
	c.MulVec(inv, mat.NewVecDense(wavelengths, []float64{od740, od860}))
	return c.AtVec(0) * molarToMicromolar, c.AtVec(1) * molarToMicromolar
}

// ToHemoglobinDeltas is the one-shot form of NewEstimator followed by
// Estimate. Callers converting many frames should keep an Estimator.
func ToHemoglobinDeltas(od fnirs.OpticalDensity, p Pathlengths, e ExtinctionMatrix) (fnirs.HemoglobinDelta, error) {
	est, err := NewEstimator(p, e, DefaultTolerance)
	if err != nil {
		return fnirs.HemoglobinDelta{}, err
	}
	return est.Estimate(od), nil
}
