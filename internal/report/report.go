// Package report renders a recorded session as a PNG time series and as an
// interactive HTML page, and summarises its hemoglobin traces.
package report

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cerebra/internal/db"
	"github.com/banshee-data/cerebra/internal/fnirs"
)

// Data is everything a report needs about one session.
type Data struct {
	Session fnirs.Session
	Samples []fnirs.PreprocessedSample
	Events  []fnirs.DetectorEvent
}

// Load reads a session, its preprocessed samples and detector events.
func Load(ctx context.Context, store *db.DB, sessionID int64) (*Data, error) {
	s, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	samples, err := store.SamplesBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load samples: %w", err)
	}
	events, err := store.DetectorEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load detector events: %w", err)
	}
	return &Data{Session: *s, Samples: samples.Preprocessed, Events: events}, nil
}

// Trace is one optode's hemoglobin time series in frame order.
type Trace struct {
	OptodeID int
	Seconds  []float64
	HbOLong  []float64
	HbRLong  []float64
	HbOShort []float64
	HbRShort []float64
}

// Traces splits the samples by optode, ordered by optode id.
func (d *Data) Traces() []Trace {
	byOptode := make(map[int]*Trace)
	for _, p := range d.Samples {
		tr, ok := byOptode[p.OptodeID]
		if !ok {
			tr = &Trace{OptodeID: p.OptodeID}
			byOptode[p.OptodeID] = tr
		}
		tr.Seconds = append(tr.Seconds, float64(p.TimestampMs)/1000)
		tr.HbOLong = append(tr.HbOLong, p.Hb.HbOLong)
		tr.HbRLong = append(tr.HbRLong, p.Hb.HbRLong)
		tr.HbOShort = append(tr.HbOShort, p.Hb.HbOShort)
		tr.HbRShort = append(tr.HbRShort, p.Hb.HbRShort)
	}

	out := make([]Trace, 0, len(byOptode))
	for _, tr := range byOptode {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OptodeID < out[j].OptodeID })
	return out
}

// Stats summarises one long-separation channel of one optode.
type Stats struct {
	OptodeID int
	Channel  string
	Mean     float64
	Min      float64
	Max      float64
}

// Summary returns HbO and HbR long-separation statistics per optode.
func (d *Data) Summary() []Stats {
	var out []Stats
	for _, tr := range d.Traces() {
		if len(tr.Seconds) == 0 {
			continue
		}
		for _, ch := range []struct {
			name string
			v    []float64
		}{{"HbO long", tr.HbOLong}, {"HbR long", tr.HbRLong}} {
			out = append(out, Stats{
				OptodeID: tr.OptodeID,
				Channel:  ch.name,
				Mean:     stat.Mean(ch.v, nil),
				Min:      floats.Min(ch.v),
				Max:      floats.Max(ch.v),
			})
		}
	}
	return out
}

// valueRange returns the extent of every long-separation value, used to
// draw event markers across the plot.
func (d *Data) valueRange() (lo, hi float64) {
	if len(d.Samples) == 0 {
		return 0, 0
	}
	vs := make([]float64, 0, 2*len(d.Samples))
	for _, p := range d.Samples {
		vs = append(vs, p.Hb.HbOLong, p.Hb.HbRLong)
	}
	return floats.Min(vs), floats.Max(vs)
}

func (d *Data) title() string {
	return fmt.Sprintf("Session %d: hemorrhage=%s", d.Session.ID, d.Session.HemorrhageDetected)
}
