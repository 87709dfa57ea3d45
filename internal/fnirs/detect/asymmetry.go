package detect

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// Classification is the asymmetry ensemble's verdict for one optode.
type Classification string

const (
	ClassNormal       Classification = "NORMAL"
	ClassAbnormality  Classification = "ABNORMALITY"
	ClassPotentialICH Classification = "POTENTIAL_ICH"
)

// asymmetryEps is the smallest mean HbT a relative difference is taken of.
const asymmetryEps = 1e-6

// AsymmetryConfig holds the hemispheric comparison thresholds. With n
// optodes, optode i < n/2 sits opposite optode i+n/2.
type AsymmetryConfig struct {
	Enabled           bool
	ODThreshold       float64 // |ΔOD| between paired long channels
	HbTFraction       float64 // |ΔHbT| relative to the pair's mean HbT
	SlopeUMPerSample  float64 // growth of the paired HbT difference
	PersistenceRatio  float64 // share of recent samples with any vote
	SlopeWindow       int
	PersistenceWindow int
}

// DefaultAsymmetryConfig returns the ensemble defaults, disabled.
func DefaultAsymmetryConfig() AsymmetryConfig {
	return AsymmetryConfig{
		ODThreshold:       0.05,
		HbTFraction:       0.01,
		SlopeUMPerSample:  0.5,
		PersistenceRatio:  0.6,
		SlopeWindow:       50,
		PersistenceWindow: 10,
	}
}

// Validate checks an enabled configuration.
func (c AsymmetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ODThreshold <= 0 || c.HbTFraction <= 0 || c.SlopeUMPerSample <= 0 {
		return fmt.Errorf("asymmetry thresholds must be positive")
	}
	if c.PersistenceRatio <= 0 || c.PersistenceRatio >= 1 {
		return fmt.Errorf("persistence ratio must be within (0, 1), got %g", c.PersistenceRatio)
	}
	if c.SlopeWindow < 2 || c.PersistenceWindow < 1 {
		return fmt.Errorf("asymmetry windows too small: slope %d, persistence %d", c.SlopeWindow, c.PersistenceWindow)
	}
	return nil
}

// AsymmetryFlags are the ensemble's individual votes on one sample.
type AsymmetryFlags struct {
	OD860          bool // 860nm long OD differs from the pair
	OD740          bool // 740nm long OD differs from the pair
	HbT            bool // relative HbT difference
	DualWavelength bool // both wavelengths differ
	Slope          bool // HbT difference growing
	Persistence    bool // votes in most recent samples
}

// Count returns the number of votes cast.
func (f AsymmetryFlags) Count() int {
	n := 0
	for _, v := range []bool{f.OD860, f.OD740, f.HbT, f.DualWavelength, f.Slope, f.Persistence} {
		if v {
			n++
		}
	}
	return n
}

// Classify maps the votes onto a classification: four or more is a
// potential hemorrhage, two or more an abnormality.
func (f AsymmetryFlags) Classify() Classification {
	switch n := f.Count(); {
	case n >= 4:
		return ClassPotentialICH
	case n >= 2:
		return ClassAbnormality
	}
	return ClassNormal
}

type pairedSample struct {
	od fnirs.OpticalDensity
	hb fnirs.HemoglobinDelta
}

type asymmetryHistory struct {
	diffs []float64
	votes []bool
}

// Asymmetry compares each optode with its contralateral pair. It is not
// safe for concurrent use.
type Asymmetry struct {
	cfg     AsymmetryConfig
	half    int
	latest  map[int]pairedSample
	history map[int]*asymmetryHistory
}

// NewAsymmetry returns an ensemble for numOptodes optodes.
func NewAsymmetry(cfg AsymmetryConfig, numOptodes int) *Asymmetry {
	return &Asymmetry{
		cfg:     cfg,
		half:    numOptodes / 2,
		latest:  make(map[int]pairedSample),
		history: make(map[int]*asymmetryHistory),
	}
}

// Pair returns the optode opposite optode. An odd optode out has none.
func (a *Asymmetry) Pair(optode int) (int, bool) {
	switch {
	case a.half == 0 || optode < 0:
		return 0, false
	case optode < a.half:
		return optode + a.half, true
	case optode < 2*a.half:
		return optode - a.half, true
	}
	return 0, false
}

// Observe records an optode's sample and votes on it against the latest
// sample of its pair. Before the pair has reported only the slope and
// persistence votes can be cast.
func (a *Asymmetry) Observe(optode int, od fnirs.OpticalDensity, hb fnirs.HemoglobinDelta) (Classification, AsymmetryFlags) {
	a.latest[optode] = pairedSample{od: od, hb: hb}
	h, ok := a.history[optode]
	if !ok {
		h = &asymmetryHistory{}
		a.history[optode] = h
	}

	var f AsymmetryFlags
	if pair, ok := a.Pair(optode); ok {
		if p, seen := a.latest[pair]; seen {
			f.OD860 = math.Abs(od.NM860Long-p.od.NM860Long) > a.cfg.ODThreshold
			f.OD740 = math.Abs(od.NM740Long-p.od.NM740Long) > a.cfg.ODThreshold
			hbt, pairHbT := hb.HbTLong(), p.hb.HbTLong()
			// A falling mean has no meaningful relative difference.
			if mean := (hbt + pairHbT) / 2; mean > asymmetryEps {
				f.HbT = math.Abs(hbt-pairHbT)/mean > a.cfg.HbTFraction
			}
			h.diffs = keepLast(append(h.diffs, hbt-pairHbT), a.cfg.SlopeWindow)
		}
	}
	f.DualWavelength = f.OD860 && f.OD740
	f.Slope = indexSlope(h.diffs) > a.cfg.SlopeUMPerSample

	h.votes = keepLast(append(h.votes, f.OD860 || f.OD740 || f.HbT || f.Slope), a.cfg.PersistenceWindow)
	n := 0
	for _, v := range h.votes {
		if v {
			n++
		}
	}
	f.Persistence = float64(n)/float64(len(h.votes)) > a.cfg.PersistenceRatio
	return f.Classify(), f
}

func keepLast[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// indexSlope fits ys against their sample index.
func indexSlope(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(beta) {
		return 0
	}
	return beta
}
