package pipeline

import (
	"fmt"

	"github.com/banshee-data/cerebra/internal/fnirs/cleanup"
	"github.com/banshee-data/cerebra/internal/fnirs/detect"
	"github.com/banshee-data/cerebra/internal/fnirs/hemo"
	"github.com/banshee-data/cerebra/internal/fnirs/optics"
	"github.com/banshee-data/cerebra/internal/fnirs/samplebuf"
)

// OutOfOrderPolicy decides what happens to a frame whose number does not
// advance for its optode.
type OutOfOrderPolicy string

const (
	// PolicyDrop logs and counts the frame, then carries on.
	PolicyDrop OutOfOrderPolicy = "drop"
	// PolicyAbort surfaces fnirs.ErrOutOfOrderFrame to the caller.
	PolicyAbort OutOfOrderPolicy = "abort"
)

// DefaultSampleRateHz and DefaultNumOptodes match the acquisition hardware.
const (
	DefaultSampleRateHz = 5.0
	DefaultNumOptodes   = 2

	// bufferSeconds is the default rolling window length.
	bufferSeconds = 10.0
)

// Config holds everything a session needs to process frames.
type Config struct {
	SampleRateHz float64
	NumOptodes   int

	// BufferCapacity is the per-optode window; 0 means 10 s at SampleRateHz.
	BufferCapacity int
	// CalibrationFrames is the baseline window N; 0 means BufferCapacity.
	CalibrationFrames    int
	MinCalibrationFrames int

	Extinction           hemo.ExtinctionMatrix
	Pathlengths          hemo.Pathlengths
	DeterminantTolerance float64

	// Cleanup regresses and filters long-separation OD before estimation.
	Cleanup cleanup.Config

	Detector   detect.Config
	OutOfOrder OutOfOrderPolicy
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		SampleRateHz:         DefaultSampleRateHz,
		NumOptodes:           DefaultNumOptodes,
		MinCalibrationFrames: optics.DefaultMinCalibrationFrames,
		Extinction:           hemo.DefaultExtinction(),
		Pathlengths:          hemo.DefaultPathlengths(),
		DeterminantTolerance: hemo.DefaultTolerance,
		Cleanup:              cleanup.DefaultConfig(),
		Detector:             detect.DefaultConfig(),
		OutOfOrder:           PolicyDrop,
	}
}

// withDefaults resolves the zero-valued sizing fields.
func (c Config) withDefaults() Config {
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = DefaultSampleRateHz
	}
	if c.NumOptodes <= 0 {
		c.NumOptodes = DefaultNumOptodes
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = samplebuf.CapacityFor(c.SampleRateHz, bufferSeconds)
	}
	if c.CalibrationFrames <= 0 {
		c.CalibrationFrames = c.BufferCapacity
	}
	if c.MinCalibrationFrames <= 0 {
		c.MinCalibrationFrames = optics.DefaultMinCalibrationFrames
	}
	if c.DeterminantTolerance <= 0 {
		c.DeterminantTolerance = hemo.DefaultTolerance
	}
	if c.OutOfOrder == "" {
		c.OutOfOrder = PolicyDrop
	}
	return c
}

// Validate checks the resolved configuration. The Beer-Lambert system is
// checked here too, so a singular matrix is rejected before any session
// starts.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.CalibrationFrames < c.MinCalibrationFrames {
		return fmt.Errorf("calibration frames %d below minimum %d", c.CalibrationFrames, c.MinCalibrationFrames)
	}
	if c.CalibrationFrames > c.BufferCapacity {
		return fmt.Errorf("calibration frames %d exceed buffer capacity %d", c.CalibrationFrames, c.BufferCapacity)
	}
	switch c.OutOfOrder {
	case PolicyDrop, PolicyAbort:
	default:
		return fmt.Errorf("unknown out-of-order policy %q", c.OutOfOrder)
	}
	d := c.Detector
	if d.HbOMagnitudeUM <= 0 || d.HbRMagnitudeUM <= 0 {
		return fmt.Errorf("detector magnitudes must be positive")
	}
	if d.RateUMPerSec < 0 || d.RateWindow < 0 || d.SustainDuration < 0 ||
		d.CooldownDuration < 0 || d.ConfirmationDuration < 0 {
		return fmt.Errorf("detector rates and durations must not be negative")
	}
	if err := d.Asymmetry.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	if _, err := hemo.NewEstimator(c.Pathlengths, c.Extinction, c.DeterminantTolerance); err != nil {
		return fmt.Errorf("beer-lambert system: %w", err)
	}
	return nil
}
