package api

import (
	"time"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// SessionAPI is the JSON form of a session. hemorrhage_detected is null
// until the detector has reached a verdict.
type SessionAPI struct {
	ID                 int64      `json:"session_id"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	SampleRateHz       float64    `json:"sample_rate_hz"`
	NumOptodes         int        `json:"num_optodes"`
	HemorrhageDetected *bool      `json:"hemorrhage_detected"`
	CreatedAt          time.Time  `json:"created_at"`
}

func SessionToAPI(s fnirs.Session) SessionAPI {
	out := SessionAPI{
		ID:           s.ID,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		SampleRateHz: s.SampleRateHz,
		NumOptodes:   s.NumOptodes,
		CreatedAt:    s.CreatedAt,
	}
	if s.HemorrhageDetected != fnirs.FlagUnknown {
		detected := s.HemorrhageDetected == fnirs.FlagPositive
		out.HemorrhageDetected = &detected
	}
	return out
}

// SampleAPI is the JSON form of a preprocessed sample.
type SampleAPI struct {
	SampleID    int64                 `json:"sample_id"`
	OptodeID    int                   `json:"optode_id"`
	FrameNumber int64                 `json:"frame_number"`
	TimestampMs int64                 `json:"timestamp_ms"`
	OD          fnirs.OpticalDensity  `json:"optical_density"`
	Hb          fnirs.HemoglobinDelta `json:"hemoglobin"`
}

func SampleToAPI(p fnirs.PreprocessedSample) SampleAPI {
	return SampleAPI{
		SampleID:    p.SampleID,
		OptodeID:    p.OptodeID,
		FrameNumber: p.FrameNumber,
		TimestampMs: p.TimestampMs,
		OD:          p.OD,
		Hb:          p.Hb,
	}
}

// EventAPI is the JSON form of a detector state transition.
type EventAPI struct {
	EventID     string `json:"event_id"`
	OptodeID    int    `json:"optode_id"`
	FromState   string `json:"from_state"`
	ToState     string `json:"to_state"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func EventToAPI(e fnirs.DetectorEvent) EventAPI {
	return EventAPI{
		EventID:     e.EventID,
		OptodeID:    e.OptodeID,
		FromState:   e.FromState,
		ToState:     e.ToState,
		TimestampMs: e.TimestampMs,
	}
}
