// Package cleanup removes superficial signal from long-separation optical
// density. An adaptive short-channel regression subtracts the scalp
// component, a low-pass filter smooths the result, and a scalp coupling
// index reports how well the optode touches the skin.
package cleanup

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

const (
	// minVariance keeps the regression from fitting a flat short channel.
	minVariance = 1e-9
	// minStdDev below which a channel is considered flat for the SCI.
	minStdDev = 1e-8
)

// Config holds the cleanup parameters. A disabled stage leaves optical
// density untouched.
type Config struct {
	Enabled bool

	RegressionWindow int     // samples in each short/long fit
	Alpha740         float64 // weight of each new fit in the 740nm beta
	Alpha860         float64 // weight of each new fit in the 860nm beta
	InitialBeta      float64

	LowPassHz float64

	SCIWindow int
	SCILowHz  float64
	SCIHighHz float64
}

// DefaultConfig returns the cleanup defaults, disabled.
func DefaultConfig() Config {
	return Config{
		RegressionWindow: 5,
		Alpha740:         0.10,
		Alpha860:         0.05,
		InitialBeta:      0.1,
		LowPassHz:        0.7,
		SCIWindow:        10,
		SCILowHz:         0.5,
		SCIHighHz:        2.5,
	}
}

// Validate checks an enabled configuration. A disabled one always passes.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RegressionWindow < 2 {
		return fmt.Errorf("regression window must be at least 2, got %d", c.RegressionWindow)
	}
	if c.Alpha740 < 0 || c.Alpha740 > 1 || c.Alpha860 < 0 || c.Alpha860 > 1 {
		return fmt.Errorf("regression alphas must be within [0, 1], got %g and %g", c.Alpha740, c.Alpha860)
	}
	if c.LowPassHz <= 0 {
		return fmt.Errorf("low-pass cutoff must be positive, got %g", c.LowPassHz)
	}
	if c.SCIWindow < 2 {
		return fmt.Errorf("SCI window must be at least 2, got %d", c.SCIWindow)
	}
	if c.SCILowHz <= 0 || c.SCIHighHz <= c.SCILowHz {
		return fmt.Errorf("SCI band must satisfy 0 < low < high, got %g-%g Hz", c.SCILowHz, c.SCIHighHz)
	}
	return nil
}

// window keeps the most recent n values, oldest first.
type window struct {
	n    int
	vals []float64
}

func (w *window) push(v float64) {
	w.vals = append(w.vals, v)
	if len(w.vals) > w.n {
		w.vals = append(w.vals[:0], w.vals[1:]...)
	}
}

func (w *window) full() bool { return len(w.vals) >= w.n }

func (w window) clone() window {
	return window{n: w.n, vals: append([]float64(nil), w.vals...)}
}

// regressor tracks the short-to-long coupling of one wavelength.
type regressor struct {
	alpha float64
	beta  float64
	short window
	long  window
}

// fit folds one sample pair in and, once the window is full, moves beta
// towards the least-squares slope of long on short.
func (r *regressor) fit(short, long float64) {
	r.short.push(short)
	r.long.push(long)
	if !r.short.full() {
		return
	}
	vs := stat.Variance(r.short.vals, nil)
	if vs <= minVariance {
		return
	}
	slope := stat.Covariance(r.short.vals, r.long.vals, nil) / vs
	r.beta = (1-r.alpha)*r.beta + r.alpha*slope
}

func (r regressor) clone() regressor {
	r.short = r.short.clone()
	r.long = r.long.clone()
	return r
}

// Output is the cleaned optical density of one frame. Long-separation
// channels are regressed and filtered; short-separation channels pass
// through. SCI is valid once SCIReady.
type Output struct {
	OD       fnirs.OpticalDensity
	SCI      float64
	SCIReady bool
}

// Stage is the per-optode cleanup state. It is not safe for concurrent use.
type Stage struct {
	r740, r860   regressor
	lp740, lp860 Biquad
	primed       bool

	raw740, raw860 window
	bandHigh       Biquad // high-pass at the SCI low edge
	bandLow        Biquad // low-pass at the SCI high edge
	band           bool
}

// New returns a stage for one optode sampled at sampleRateHz.
func New(cfg Config, sampleRateHz float64) *Stage {
	s := &Stage{
		r740:   regressor{alpha: cfg.Alpha740, beta: cfg.InitialBeta, short: window{n: cfg.RegressionWindow}, long: window{n: cfg.RegressionWindow}},
		r860:   regressor{alpha: cfg.Alpha860, beta: cfg.InitialBeta, short: window{n: cfg.RegressionWindow}, long: window{n: cfg.RegressionWindow}},
		lp740:  LowPass(sampleRateHz, cfg.LowPassHz),
		lp860:  LowPass(sampleRateHz, cfg.LowPassHz),
		raw740: window{n: cfg.SCIWindow},
		raw860: window{n: cfg.SCIWindow},
	}
	// At low sample rates the band can collapse; the SCI then correlates
	// the unfiltered signals.
	if normalized(sampleRateHz, cfg.SCILowHz) < normalized(sampleRateHz, cfg.SCIHighHz) {
		s.band = true
		s.bandHigh = HighPass(sampleRateHz, cfg.SCILowHz)
		s.bandLow = LowPass(sampleRateHz, cfg.SCIHighHz)
	}
	return s
}

// Apply cleans one frame's optical density.
func (s *Stage) Apply(od fnirs.OpticalDensity) Output {
	s.raw740.push(od.NM740Long)
	s.raw860.push(od.NM860Long)
	sci, ready := s.sci()

	s.r740.fit(od.NM740Short, od.NM740Long)
	s.r860.fit(od.NM860Short, od.NM860Long)
	c740 := od.NM740Long - s.r740.beta*od.NM740Short
	c860 := od.NM860Long - s.r860.beta*od.NM860Short

	if !s.primed {
		s.lp740.Prime(c740)
		s.lp860.Prime(c860)
		s.primed = true
	}
	out := od
	out.NM740Long = s.lp740.Step(c740)
	out.NM860Long = s.lp860.Step(c860)
	return Output{OD: out, SCI: sci, SCIReady: ready}
}

// sci correlates the band-passed raw long-separation OD of the two
// wavelengths over the last window. A flat channel scores 0.
func (s *Stage) sci() (float64, bool) {
	if !s.raw740.full() {
		return 0, false
	}
	if stat.StdDev(s.raw740.vals, nil) < minStdDev || stat.StdDev(s.raw860.vals, nil) < minStdDev {
		return 0, true
	}
	c := stat.Correlation(s.bandPass(s.raw740.vals), s.bandPass(s.raw860.vals), nil)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0, true
	}
	return c, true
}

func (s *Stage) bandPass(vals []float64) []float64 {
	if !s.band {
		return vals
	}
	hp, lp := s.bandHigh, s.bandLow
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = lp.Step(hp.Step(v))
	}
	return out
}

// Beta returns the current regression coefficients.
func (s *Stage) Beta() (nm740, nm860 float64) { return s.r740.beta, s.r860.beta }

// Clone returns an independent copy of the stage.
func (s *Stage) Clone() *Stage {
	c := *s
	c.r740 = s.r740.clone()
	c.r860 = s.r860.clone()
	c.raw740 = s.raw740.clone()
	c.raw860 = s.raw860.clone()
	return &c
}
