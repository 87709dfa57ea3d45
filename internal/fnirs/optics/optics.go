// Package optics converts dark-corrected light intensities into optical
// density against a per-optode calibration baseline.
package optics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

const (
	// IntensityFloor keeps dark-corrected intensities strictly positive
	// before the logarithm.
	IntensityFloor = 1e-6

	// DefaultMinCalibrationFrames is the fewest frames a baseline may be
	// computed from.
	DefaultMinCalibrationFrames = 5
)

// Baseline is the mean dark-corrected intensity I0 per channel, frozen for
// the rest of the session once computed.
type Baseline struct {
	I0     [fnirs.NumChannels]float64
	Frames int
}

// DarkCorrected subtracts the dark reading from channel c and clamps the
// result to IntensityFloor.
func DarkCorrected(raw fnirs.RawSample, c fnirs.Channel) float64 {
	return math.Max(raw.Intensity(c)-raw.Dark, IntensityFloor)
}

// ComputeBaseline averages the dark-corrected intensities of frames.
func ComputeBaseline(frames []fnirs.RawSample, minFrames int) (Baseline, error) {
	if minFrames < 1 {
		minFrames = DefaultMinCalibrationFrames
	}
	if len(frames) < minFrames {
		return Baseline{}, fmt.Errorf("%w: have %d frames, need %d",
			fnirs.ErrInsufficientCalibrationData, len(frames), minFrames)
	}

	var b Baseline
	values := make([]float64, len(frames))
	for c := fnirs.Channel(0); c < fnirs.NumChannels; c++ {
		// Averaging offsets from the first frame keeps a constant
		// calibration signal exact, so it yields OD 0 and not 1e-17.
		shift := DarkCorrected(frames[0], c)
		for i, f := range frames {
			values[i] = DarkCorrected(f, c) - shift
		}
		b.I0[c] = math.Max(shift+stat.Mean(values, nil), IntensityFloor)
	}
	b.Frames = len(frames)
	return b, nil
}

// OD returns -log10(I/I0) for a single dark-corrected channel.
func (b Baseline) OD(c fnirs.Channel, corrected float64) float64 {
	return -math.Log10(corrected / b.I0[c])
}

// ToOpticalDensity converts one frame against the baseline.
func ToOpticalDensity(raw fnirs.RawSample, b Baseline) fnirs.OpticalDensity {
	od := func(c fnirs.Channel) float64 { return b.OD(c, DarkCorrected(raw, c)) }
	return fnirs.OpticalDensity{
		NM740Long:  od(fnirs.Ch740Long),
		NM860Long:  od(fnirs.Ch860Long),
		NM740Short: od(fnirs.Ch740Short),
		NM860Short: od(fnirs.Ch860Short),
	}
}

// Calibrator counts an optode's first frames until the calibration window
// is full, then freezes the baseline computed from that window. The frames
// themselves live in the session's sample buffer.
type Calibrator struct {
	window    int
	minFrames int
	seen      int
	baseline  *Baseline
}

// NewCalibrator freezes after window frames. window is raised to minFrames
// if smaller.
func NewCalibrator(window, minFrames int) *Calibrator {
	if minFrames < 1 {
		minFrames = DefaultMinCalibrationFrames
	}
	if window < minFrames {
		window = minFrames
	}
	return &Calibrator{window: window, minFrames: minFrames}
}

// Observe counts one calibration frame and reports whether the window is now
// complete. Frames observed after the baseline froze are not counted.
func (c *Calibrator) Observe() bool {
	if c.baseline != nil {
		return false
	}
	c.seen++
	return c.seen >= c.window
}

// Freeze computes the baseline from the calibration frames. It fails with
// ErrInsufficientCalibrationData, leaving the calibrator unfrozen, when
// fewer than the minimum number of frames are supplied.
func (c *Calibrator) Freeze(frames []fnirs.RawSample) (Baseline, error) {
	if c.baseline != nil {
		return *c.baseline, nil
	}
	b, err := ComputeBaseline(frames, c.minFrames)
	if err != nil {
		return Baseline{}, err
	}
	c.baseline = &b
	return b, nil
}

// Baseline returns the frozen baseline or ErrInsufficientCalibrationData.
func (c *Calibrator) Baseline() (Baseline, error) {
	if c.baseline == nil {
		return Baseline{}, fmt.Errorf("%w: %d of %d calibration frames",
			fnirs.ErrInsufficientCalibrationData, c.seen, c.window)
	}
	return *c.baseline, nil
}

// Seen returns how many calibration frames have been counted.
func (c *Calibrator) Seen() int { return c.seen }

// Ready reports whether the baseline is frozen.
func (c *Calibrator) Ready() bool { return c.baseline != nil }

// Window returns the number of frames needed for calibration.
func (c *Calibrator) Window() int { return c.window }
