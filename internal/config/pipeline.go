package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/cerebra/internal/fnirs/cleanup"
	"github.com/banshee-data/cerebra/internal/fnirs/detect"
	"github.com/banshee-data/cerebra/internal/fnirs/hemo"
	"github.com/banshee-data/cerebra/internal/fnirs/packet"
	"github.com/banshee-data/cerebra/internal/fnirs/pipeline"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

// PipelineConfig is the JSON configuration for acquisition and processing.
// Omitted fields fall back to the defaults returned by the Get* methods, so
// partial configs are safe.
type PipelineConfig struct {
	// Session params
	SampleRateHz *float64 `json:"sample_rate_hz,omitempty"`
	NumOptodes   *int     `json:"num_optodes,omitempty"`

	// Buffer and calibration params
	BufferCapacity       *int `json:"buffer_capacity,omitempty"`    // 0 = 10 s at the sample rate
	CalibrationFrames    *int `json:"calibration_frames,omitempty"` // 0 = buffer capacity
	MinCalibrationFrames *int `json:"min_calibration_frames,omitempty"`

	// Beer-Lambert params
	Extinction           *hemo.ExtinctionMatrix `json:"extinction_coefficients,omitempty"` // rows 740/860, cols HbO/HbR, cm⁻¹/M
	DPFShort             *float64               `json:"dpf_short,omitempty"`
	DPFLong              *float64               `json:"dpf_long,omitempty"`
	SeparationShortCm    *float64               `json:"separation_short_cm,omitempty"`
	SeparationLongCm     *float64               `json:"separation_long_cm,omitempty"`
	DeterminantTolerance *float64               `json:"determinant_tolerance,omitempty"`

	// Detector params
	HbOMagnitudeUM       *float64 `json:"hbo_magnitude_um,omitempty"`
	HbRMagnitudeUM       *float64 `json:"hbr_magnitude_um,omitempty"`
	RateUMPerSec         *float64 `json:"rate_um_per_s,omitempty"`
	RateWindow           *string  `json:"rate_window,omitempty"` // duration string like "2s"
	SustainDuration      *string  `json:"sustain_duration,omitempty"`
	CooldownDuration     *string  `json:"cooldown_duration,omitempty"`
	ConfirmationDuration *string  `json:"confirmation_duration,omitempty"`

	// Asymmetry rule params
	AsymmetryEnabled           *bool    `json:"asymmetry_enabled,omitempty"`
	AsymmetryODThreshold       *float64 `json:"asymmetry_od_threshold,omitempty"`
	AsymmetryHbTFraction       *float64 `json:"asymmetry_hbt_fraction,omitempty"`
	AsymmetrySlopeUMPerSample  *float64 `json:"asymmetry_slope_um_per_sample,omitempty"`
	AsymmetryPersistenceRatio  *float64 `json:"asymmetry_persistence_ratio,omitempty"`
	AsymmetrySlopeWindow       *int     `json:"asymmetry_slope_window,omitempty"`       // samples
	AsymmetryPersistenceWindow *int     `json:"asymmetry_persistence_window,omitempty"` // samples

	// Signal cleanup params
	CleanupEnabled        *bool    `json:"cleanup_enabled,omitempty"`
	RegressionWindow      *int     `json:"regression_window,omitempty"` // samples
	RegressionAlpha740    *float64 `json:"regression_alpha_740,omitempty"`
	RegressionAlpha860    *float64 `json:"regression_alpha_860,omitempty"`
	RegressionInitialBeta *float64 `json:"regression_initial_beta,omitempty"`
	LowPassCutoffHz       *float64 `json:"lowpass_cutoff_hz,omitempty"`
	SCIWindow             *int     `json:"sci_window,omitempty"` // samples
	SCILowHz              *float64 `json:"sci_low_hz,omitempty"`
	SCIHighHz             *float64 `json:"sci_high_hz,omitempty"`

	// Orchestration params
	OutOfOrderPolicy *string `json:"out_of_order_policy,omitempty"` // "drop" or "abort"
	Shards           *int    `json:"shards,omitempty"`

	// Frame assembly params
	StaleTimeout     *string `json:"stale_timeout,omitempty"`
	MaxPendingFrames *int    `json:"max_pending_frames,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }

// EmptyPipelineConfig returns a PipelineConfig with all fields set to nil.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// DefaultPipelineConfig returns a PipelineConfig with every field set to
// its default.
func DefaultPipelineConfig() *PipelineConfig {
	ext := hemo.DefaultExtinction()
	asym := detect.DefaultAsymmetryConfig()
	clean := cleanup.DefaultConfig()
	return &PipelineConfig{
		SampleRateHz:         ptrFloat64(pipeline.DefaultSampleRateHz),
		NumOptodes:           ptrInt(pipeline.DefaultNumOptodes),
		BufferCapacity:       ptrInt(0),
		CalibrationFrames:    ptrInt(0),
		MinCalibrationFrames: ptrInt(5),
		Extinction:           &ext,
		DPFShort:             ptrFloat64(hemo.DefaultDPF),
		DPFLong:              ptrFloat64(hemo.DefaultDPF),
		SeparationShortCm:    ptrFloat64(hemo.DefaultSeparationShort),
		SeparationLongCm:     ptrFloat64(hemo.DefaultSeparationLong),
		DeterminantTolerance: ptrFloat64(hemo.DefaultTolerance),
		HbOMagnitudeUM:       ptrFloat64(3.0),
		HbRMagnitudeUM:       ptrFloat64(1.5),
		RateUMPerSec:         ptrFloat64(0.5),
		RateWindow:           ptrString("2s"),
		SustainDuration:      ptrString("2s"),
		CooldownDuration:     ptrString("5s"),
		ConfirmationDuration: ptrString("30s"),

		AsymmetryEnabled:           ptrBool(asym.Enabled),
		AsymmetryODThreshold:       ptrFloat64(asym.ODThreshold),
		AsymmetryHbTFraction:       ptrFloat64(asym.HbTFraction),
		AsymmetrySlopeUMPerSample:  ptrFloat64(asym.SlopeUMPerSample),
		AsymmetryPersistenceRatio:  ptrFloat64(asym.PersistenceRatio),
		AsymmetrySlopeWindow:       ptrInt(asym.SlopeWindow),
		AsymmetryPersistenceWindow: ptrInt(asym.PersistenceWindow),

		CleanupEnabled:        ptrBool(clean.Enabled),
		RegressionWindow:      ptrInt(clean.RegressionWindow),
		RegressionAlpha740:    ptrFloat64(clean.Alpha740),
		RegressionAlpha860:    ptrFloat64(clean.Alpha860),
		RegressionInitialBeta: ptrFloat64(clean.InitialBeta),
		LowPassCutoffHz:       ptrFloat64(clean.LowPassHz),
		SCIWindow:             ptrInt(clean.SCIWindow),
		SCILowHz:              ptrFloat64(clean.SCILowHz),
		SCIHighHz:             ptrFloat64(clean.SCIHighHz),

		OutOfOrderPolicy:     ptrString(string(pipeline.PolicyDrop)),
		Shards:               ptrInt(0),
		StaleTimeout:         ptrString("2s"),
		MaxPendingFrames:     ptrInt(packet.DefaultMaxPending),
	}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. It panics if the file cannot be loaded and is
// intended for test setup.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/fnirs/pipeline/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks field formats and ranges, then the assembled pipeline
// configuration as a whole.
func (c *PipelineConfig) Validate() error {
	durations := map[string]*string{
		"rate_window":           c.RateWindow,
		"sustain_duration":      c.SustainDuration,
		"cooldown_duration":     c.CooldownDuration,
		"confirmation_duration": c.ConfirmationDuration,
		"stale_timeout":         c.StaleTimeout,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.SampleRateHz != nil && *c.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be positive, got %f", *c.SampleRateHz)
	}
	if c.NumOptodes != nil && (*c.NumOptodes < 1 || *c.NumOptodes > packet.MaxOptode+1) {
		return fmt.Errorf("num_optodes must be between 1 and %d, got %d", packet.MaxOptode+1, *c.NumOptodes)
	}
	for name, v := range map[string]*int{
		"buffer_capacity":              c.BufferCapacity,
		"calibration_frames":           c.CalibrationFrames,
		"max_pending_frames":           c.MaxPendingFrames,
		"shards":                       c.Shards,
		"asymmetry_slope_window":       c.AsymmetrySlopeWindow,
		"asymmetry_persistence_window": c.AsymmetryPersistenceWindow,
		"regression_window":            c.RegressionWindow,
		"sci_window":                   c.SCIWindow,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}
	if c.OutOfOrderPolicy != nil {
		switch pipeline.OutOfOrderPolicy(*c.OutOfOrderPolicy) {
		case pipeline.PolicyDrop, pipeline.PolicyAbort:
		default:
			return fmt.Errorf("out_of_order_policy must be %q or %q, got %q", pipeline.PolicyDrop, pipeline.PolicyAbort, *c.OutOfOrderPolicy)
		}
	}

	return c.Pipeline().Validate()
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetSampleRateHz returns the sample_rate_hz value or the default.
func (c *PipelineConfig) GetSampleRateHz() float64 {
	if c.SampleRateHz == nil {
		return pipeline.DefaultSampleRateHz
	}
	return *c.SampleRateHz
}

// GetNumOptodes returns the num_optodes value or the default.
func (c *PipelineConfig) GetNumOptodes() int {
	if c.NumOptodes == nil {
		return pipeline.DefaultNumOptodes
	}
	return *c.NumOptodes
}

// GetBufferCapacity returns buffer_capacity; 0 lets the pipeline size it.
func (c *PipelineConfig) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return 0
	}
	return *c.BufferCapacity
}

// GetCalibrationFrames returns calibration_frames; 0 uses the buffer capacity.
func (c *PipelineConfig) GetCalibrationFrames() int {
	if c.CalibrationFrames == nil {
		return 0
	}
	return *c.CalibrationFrames
}

// GetMinCalibrationFrames returns the min_calibration_frames value or the default.
func (c *PipelineConfig) GetMinCalibrationFrames() int {
	if c.MinCalibrationFrames == nil {
		return 5
	}
	return *c.MinCalibrationFrames
}

// GetExtinction returns the extinction_coefficients value or the default.
func (c *PipelineConfig) GetExtinction() hemo.ExtinctionMatrix {
	if c.Extinction == nil {
		return hemo.DefaultExtinction()
	}
	return *c.Extinction
}

// GetPathlengths assembles the DPF and separation fields.
func (c *PipelineConfig) GetPathlengths() hemo.Pathlengths {
	p := hemo.DefaultPathlengths()
	if c.DPFShort != nil {
		p.DPFShort = *c.DPFShort
	}
	if c.DPFLong != nil {
		p.DPFLong = *c.DPFLong
	}
	if c.SeparationShortCm != nil {
		p.SeparationShort = *c.SeparationShortCm
	}
	if c.SeparationLongCm != nil {
		p.SeparationLong = *c.SeparationLongCm
	}
	return p
}

// GetDeterminantTolerance returns the determinant_tolerance value or the default.
func (c *PipelineConfig) GetDeterminantTolerance() float64 {
	if c.DeterminantTolerance == nil {
		return hemo.DefaultTolerance
	}
	return *c.DeterminantTolerance
}

// GetDetector assembles the detector thresholds.
func (c *PipelineConfig) GetDetector() detect.Config {
	d := detect.DefaultConfig()
	if c.HbOMagnitudeUM != nil {
		d.HbOMagnitudeUM = *c.HbOMagnitudeUM
	}
	if c.HbRMagnitudeUM != nil {
		d.HbRMagnitudeUM = *c.HbRMagnitudeUM
	}
	if c.RateUMPerSec != nil {
		d.RateUMPerSec = *c.RateUMPerSec
	}
	d.RateWindow = getDuration(c.RateWindow, d.RateWindow)
	d.SustainDuration = getDuration(c.SustainDuration, d.SustainDuration)
	d.CooldownDuration = getDuration(c.CooldownDuration, d.CooldownDuration)
	d.ConfirmationDuration = getDuration(c.ConfirmationDuration, d.ConfirmationDuration)

	a := &d.Asymmetry
	setBool(&a.Enabled, c.AsymmetryEnabled)
	setFloat(&a.ODThreshold, c.AsymmetryODThreshold)
	setFloat(&a.HbTFraction, c.AsymmetryHbTFraction)
	setFloat(&a.SlopeUMPerSample, c.AsymmetrySlopeUMPerSample)
	setFloat(&a.PersistenceRatio, c.AsymmetryPersistenceRatio)
	setInt(&a.SlopeWindow, c.AsymmetrySlopeWindow)
	setInt(&a.PersistenceWindow, c.AsymmetryPersistenceWindow)
	return d
}

// GetCleanup assembles the short-channel regression, low-pass and scalp
// coupling parameters.
func (c *PipelineConfig) GetCleanup() cleanup.Config {
	cl := cleanup.DefaultConfig()
	setBool(&cl.Enabled, c.CleanupEnabled)
	setInt(&cl.RegressionWindow, c.RegressionWindow)
	setFloat(&cl.Alpha740, c.RegressionAlpha740)
	setFloat(&cl.Alpha860, c.RegressionAlpha860)
	setFloat(&cl.InitialBeta, c.RegressionInitialBeta)
	setFloat(&cl.LowPassHz, c.LowPassCutoffHz)
	setInt(&cl.SCIWindow, c.SCIWindow)
	setFloat(&cl.SCILowHz, c.SCILowHz)
	setFloat(&cl.SCIHighHz, c.SCIHighHz)
	return cl
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// GetOutOfOrderPolicy returns the out_of_order_policy value or the default.
func (c *PipelineConfig) GetOutOfOrderPolicy() pipeline.OutOfOrderPolicy {
	if c.OutOfOrderPolicy == nil || *c.OutOfOrderPolicy == "" {
		return pipeline.PolicyDrop
	}
	return pipeline.OutOfOrderPolicy(*c.OutOfOrderPolicy)
}

// GetShards returns the shards value; 0 lets the engine choose.
func (c *PipelineConfig) GetShards() int {
	if c.Shards == nil {
		return 0
	}
	return *c.Shards
}

// GetStaleTimeout returns the stale_timeout value or the default.
func (c *PipelineConfig) GetStaleTimeout() time.Duration {
	return getDuration(c.StaleTimeout, packet.DefaultStaleTimeout)
}

// GetMaxPendingFrames returns the max_pending_frames value or the default.
func (c *PipelineConfig) GetMaxPendingFrames() int {
	if c.MaxPendingFrames == nil || *c.MaxPendingFrames == 0 {
		return packet.DefaultMaxPending
	}
	return *c.MaxPendingFrames
}

// Pipeline converts the file configuration into the pipeline's.
func (c *PipelineConfig) Pipeline() pipeline.Config {
	return pipeline.Config{
		SampleRateHz:         c.GetSampleRateHz(),
		NumOptodes:           c.GetNumOptodes(),
		BufferCapacity:       c.GetBufferCapacity(),
		CalibrationFrames:    c.GetCalibrationFrames(),
		MinCalibrationFrames: c.GetMinCalibrationFrames(),
		Extinction:           c.GetExtinction(),
		Pathlengths:          c.GetPathlengths(),
		DeterminantTolerance: c.GetDeterminantTolerance(),
		Detector:             c.GetDetector(),
		Cleanup:              c.GetCleanup(),
		OutOfOrder:           c.GetOutOfOrderPolicy(),
	}
}
