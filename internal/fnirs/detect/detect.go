// Package detect implements the per-session hemorrhage detector: a state
// machine driven by long-separation hemoglobin changes, with a sustain rule
// to suppress single-sample noise, a cooldown for hysteresis and a terminal
// confirmation state. An optional hemispheric asymmetry ensemble adds a
// further abnormality rule.
package detect

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// State is the detector's lifecycle position for a session.
type State string

const (
	StateBaseline   State = "BASELINE"   // calibration incomplete, no verdict
	StateMonitoring State = "MONITORING" // evaluating, flag false
	StateAlerted    State = "ALERTED"    // flag true, may still clear
	StateConfirmed  State = "CONFIRMED"  // flag true until the session ends
)

// Flag collapses a state onto the session's tri-state column.
func (s State) Flag() fnirs.HemorrhageFlag {
	switch s {
	case StateMonitoring:
		return fnirs.FlagNegative
	case StateAlerted, StateConfirmed:
		return fnirs.FlagPositive
	}
	return fnirs.FlagUnknown
}

// Config holds the detection thresholds. Magnitudes are in µM.
type Config struct {
	HbOMagnitudeUM       float64       // |ΔHbO| on the long channel considered abnormal
	HbRMagnitudeUM       float64       // |ΔHbR| on the long channel considered abnormal
	RateUMPerSec         float64       // |d(ΔHbT)/dt| considered abnormal; 0 disables the rate rule
	RateWindow           time.Duration // span the ΔHbT slope is fitted over
	SustainDuration      time.Duration // continuous abnormality needed to alert
	CooldownDuration     time.Duration // continuous normality of every optode needed to clear an alert
	ConfirmationDuration time.Duration // continuous alert needed to confirm

	// Asymmetry, when enabled, adds an abnormality rule: an optode the
	// hemispheric ensemble classifies as POTENTIAL_ICH is abnormal.
	Asymmetry AsymmetryConfig
}

// DefaultConfig returns thresholds tuned for the default 5 Hz sample rate.
func DefaultConfig() Config {
	return Config{
		HbOMagnitudeUM:       3.0,
		HbRMagnitudeUM:       1.5,
		RateUMPerSec:         0.5,
		RateWindow:           2 * time.Second,
		SustainDuration:      2 * time.Second,
		CooldownDuration:     5 * time.Second,
		ConfirmationDuration: 30 * time.Second,
		Asymmetry:            DefaultAsymmetryConfig(),
	}
}

// Transition describes one state change and the optode sample that caused
// it.
type Transition struct {
	From        State
	To          State
	OptodeID    int
	TimestampMs int64
}

// Verdict is the detector's answer to one evaluation. Transition is nil
// unless the state changed on this call. Classification is the asymmetry
// ensemble's view of the evaluated optode, empty when the rule is off.
type Verdict struct {
	State          State
	Flag           fnirs.HemorrhageFlag
	Transition     *Transition
	Classification Classification
}

// optodeTrend is the per-optode accumulator.
type optodeTrend struct {
	calibrated bool

	// ΔHbT samples inside the rate window, seconds relative to origin.
	times []float64
	hbt   []float64

	seen          bool
	abnormal      bool
	abnormalSince int64
	normalSince   int64
}

func (o *optodeTrend) slope(window time.Duration, tsMs int64, hbt float64, originMs int64) float64 {
	t := float64(tsMs-originMs) / 1000
	o.times = append(o.times, t)
	o.hbt = append(o.hbt, hbt)

	cutoff := t - window.Seconds()
	drop := 0
	for drop < len(o.times) && o.times[drop] < cutoff {
		drop++
	}
	if drop > 0 {
		o.times = append(o.times[:0], o.times[drop:]...)
		o.hbt = append(o.hbt[:0], o.hbt[drop:]...)
	}

	if len(o.times) < 2 || o.times[len(o.times)-1] == o.times[0] {
		return 0
	}
	_, beta := stat.LinearRegression(o.times, o.hbt, nil, false)
	if math.IsNaN(beta) {
		return 0
	}
	return beta
}

// Detector is one session's state machine. It is not safe for concurrent
// use; the pipeline owns each session's detector on a single goroutine.
type Detector struct {
	cfg        Config
	numOptodes int
	optodes    map[int]*optodeTrend
	calibrated int
	asym       *Asymmetry

	state     State
	alertedAt int64
	originMs  int64
	hasOrigin bool
	finalized bool
}

// New creates a detector in BASELINE for a session with numOptodes optodes.
func New(cfg Config, numOptodes int) *Detector {
	if numOptodes < 1 {
		numOptodes = 1
	}
	d := &Detector{
		cfg:        cfg,
		numOptodes: numOptodes,
		optodes:    make(map[int]*optodeTrend),
		state:      StateBaseline,
	}
	if cfg.Asymmetry.Enabled {
		d.asym = NewAsymmetry(cfg.Asymmetry, numOptodes)
	}
	return d
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

func (d *Detector) optode(id int) *optodeTrend {
	o, ok := d.optodes[id]
	if !ok {
		o = &optodeTrend{}
		d.optodes[id] = o
	}
	return o
}

func (d *Detector) verdict(tr *Transition) Verdict {
	return Verdict{State: d.state, Flag: d.state.Flag(), Transition: tr}
}

func (d *Detector) transition(to State, optode int, tsMs int64) *Transition {
	tr := &Transition{From: d.state, To: to, OptodeID: optode, TimestampMs: tsMs}
	d.state = to
	return tr
}

// MarkCalibrated records that an optode's baseline is frozen. Once every
// optode of the session is calibrated the detector moves to MONITORING.
func (d *Detector) MarkCalibrated(optode int, tsMs int64) Verdict {
	o := d.optode(optode)
	if !o.calibrated {
		o.calibrated = true
		d.calibrated++
	}
	if d.finalized || d.state != StateBaseline || d.calibrated < d.numOptodes {
		return d.verdict(nil)
	}
	return d.verdict(d.transition(StateMonitoring, optode, tsMs))
}

// Evaluate folds one hemoglobin sample into the optode's trend and advances
// the state machine. It never blocks and never fails. Samples arriving while
// the session is still in BASELINE, or after Finalize, do not affect state.
// The asymmetry rule sees zero optical density; use EvaluateSample to give
// it the measured values.
func (d *Detector) Evaluate(optode int, hb fnirs.HemoglobinDelta, tsMs int64) Verdict {
	return d.evaluate(optode, fnirs.OpticalDensity{}, hb, tsMs)
}

// EvaluateSample is Evaluate for a preprocessed sample.
func (d *Detector) EvaluateSample(p fnirs.PreprocessedSample) Verdict {
	return d.evaluate(p.OptodeID, p.OD, p.Hb, p.TimestampMs)
}

func (d *Detector) evaluate(optode int, od fnirs.OpticalDensity, hb fnirs.HemoglobinDelta, tsMs int64) Verdict {
	if d.finalized || d.state == StateBaseline || d.state == StateConfirmed {
		return d.verdict(nil)
	}
	if !d.hasOrigin {
		d.originMs, d.hasOrigin = tsMs, true
	}

	o := d.optode(optode)
	rate := o.slope(d.cfg.RateWindow, tsMs, hb.HbTLong(), d.originMs)
	abnormal := math.Abs(hb.HbOLong) >= d.cfg.HbOMagnitudeUM ||
		math.Abs(hb.HbRLong) >= d.cfg.HbRMagnitudeUM ||
		(d.cfg.RateUMPerSec > 0 && math.Abs(rate) >= d.cfg.RateUMPerSec)

	var class Classification
	if d.asym != nil {
		class, _ = d.asym.Observe(optode, od, hb)
		abnormal = abnormal || class == ClassPotentialICH
	}

	switch {
	case !o.seen:
		o.seen = true
		o.abnormal = abnormal
		o.abnormalSince, o.normalSince = tsMs, tsMs
	case abnormal && !o.abnormal:
		o.abnormal, o.abnormalSince = true, tsMs
	case !abnormal && o.abnormal:
		o.abnormal, o.normalSince = false, tsMs
	}

	v := d.verdict(d.advance(o, optode, tsMs))
	v.Classification = class
	return v
}

func (d *Detector) advance(o *optodeTrend, optode int, tsMs int64) *Transition {
	switch d.state {
	case StateMonitoring:
		if o.abnormal && elapsed(o.abnormalSince, tsMs) >= d.cfg.SustainDuration {
			d.alertedAt = tsMs
			return d.transition(StateAlerted, optode, tsMs)
		}
	case StateAlerted:
		if elapsed(d.alertedAt, tsMs) >= d.cfg.ConfirmationDuration {
			return d.transition(StateConfirmed, optode, tsMs)
		}
		if d.cooledDown(tsMs) {
			return d.transition(StateMonitoring, optode, tsMs)
		}
	}
	return nil
}

// cooledDown reports whether every optode seen since monitoring began has
// been normal for at least the cooldown duration.
func (d *Detector) cooledDown(tsMs int64) bool {
	for _, o := range d.optodes {
		if !o.seen {
			continue
		}
		if o.abnormal || elapsed(o.normalSince, tsMs) < d.cfg.CooldownDuration {
			return false
		}
	}
	return true
}

// Finalize freezes the detector at session close and returns the verdict the
// session ends with. Later calls are no-ops.
func (d *Detector) Finalize() Verdict {
	d.finalized = true
	return d.verdict(nil)
}

func elapsed(fromMs, toMs int64) time.Duration {
	return time.Duration(toMs-fromMs) * time.Millisecond
}
