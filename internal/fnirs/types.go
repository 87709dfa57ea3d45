package fnirs

import (
	"fmt"
	"time"
)

// Channel identifies one wavelength/separation combination on an optode.
type Channel int

const (
	Ch740Long Channel = iota
	Ch860Long
	Ch740Short
	Ch860Short
	NumChannels
)

func (c Channel) String() string {
	switch c {
	case Ch740Long:
		return "740nm/long"
	case Ch860Long:
		return "860nm/long"
	case Ch740Short:
		return "740nm/short"
	case Ch860Short:
		return "860nm/short"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// RawSample is one optode's intensity reading for one frame.
// SampleID is zero until the sample has been persisted.
type RawSample struct {
	SampleID    int64
	SessionID   int64
	OptodeID    int
	FrameNumber int64
	TimestampMs int64

	NM740Long  float64
	NM860Long  float64
	NM740Short float64
	NM860Short float64
	Dark       float64
}

// Intensity returns the raw (not dark-corrected) reading of channel c.
func (r RawSample) Intensity(c Channel) float64 {
	switch c {
	case Ch740Long:
		return r.NM740Long
	case Ch860Long:
		return r.NM860Long
	case Ch740Short:
		return r.NM740Short
	case Ch860Short:
		return r.NM860Short
	}
	return 0
}

// OpticalDensity holds -log10(I/I0) for the four channels of one frame.
type OpticalDensity struct {
	NM740Long  float64 `json:"od_nm740_long"`
	NM860Long  float64 `json:"od_nm860_long"`
	NM740Short float64 `json:"od_nm740_short"`
	NM860Short float64 `json:"od_nm860_short"`
}

// HemoglobinDelta holds concentration changes in micromolar relative to the
// calibration baseline.
type HemoglobinDelta struct {
	HbOShort float64 `json:"hbo_short"`
	HbRShort float64 `json:"hbr_short"`
	HbOLong  float64 `json:"hbo_long"`
	HbRLong  float64 `json:"hbr_long"`
}

// HbTLong is total hemoglobin change on the long separation.
func (h HemoglobinDelta) HbTLong() float64 { return h.HbOLong + h.HbRLong }

// PreprocessedSample is derived 1:1 from a persisted RawSample and shares its
// SampleID.
type PreprocessedSample struct {
	SampleID    int64
	SessionID   int64
	OptodeID    int
	FrameNumber int64
	TimestampMs int64

	OD OpticalDensity
	Hb HemoglobinDelta
}

// HemorrhageFlag is the tri-state session verdict stored in
// sessions.hemorrhage_detected.
type HemorrhageFlag int

const (
	FlagUnknown HemorrhageFlag = iota
	FlagNegative
	FlagPositive
)

func (f HemorrhageFlag) String() string {
	switch f {
	case FlagNegative:
		return "false"
	case FlagPositive:
		return "true"
	}
	return "unknown"
}

// SQLValue maps the flag onto the nullable integer column.
func (f HemorrhageFlag) SQLValue() interface{} {
	switch f {
	case FlagNegative:
		return 0
	case FlagPositive:
		return 1
	}
	return nil
}

// FlagFromNullable is the inverse of SQLValue.
func FlagFromNullable(valid bool, v int64) HemorrhageFlag {
	if !valid {
		return FlagUnknown
	}
	if v != 0 {
		return FlagPositive
	}
	return FlagNegative
}

// Session is the acquisition session row.
type Session struct {
	ID                 int64
	StartTime          time.Time
	EndTime            *time.Time
	SampleRateHz       float64
	NumOptodes         int
	HemorrhageDetected HemorrhageFlag
	CreatedAt          time.Time
}

// Closed reports whether the session has an end time.
func (s *Session) Closed() bool { return s.EndTime != nil }

// DetectorEvent records one detector state transition for a session.
type DetectorEvent struct {
	EventID     string
	SessionID   int64
	OptodeID    int
	FromState   string
	ToState     string
	TimestampMs int64
}
