// Package simulator generates synthetic fNIRS packets with cardiac,
// respiratory and slow drift components, Gaussian noise and rare motion
// spikes. An optional step change on one channel exercises the detector.
package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/cerebra/internal/fnirs"
	"github.com/banshee-data/cerebra/internal/fnirs/packet"
	"github.com/banshee-data/cerebra/internal/timeutil"
)

// Physiological components: frequency in Hz and amplitude in intensity units.
const (
	cardiacHz   = 1.2
	cardiacAmp  = 0.03
	respHz      = 0.25
	respAmp     = 0.02
	driftHz     = 0.01
	driftAmp    = 0.05
	darkBase    = 0.02
	darkWaveHz  = 0.05
	darkWaveAmp = 0.002
	minAboveDk  = 0.001
)

// Step multiplies one channel's intensity over a range of frames.
type Step struct {
	Optode     int           // -1 applies to every optode
	Channel    fnirs.Channel
	StartFrame uint32
	EndFrame   uint32 // exclusive; 0 means until the simulator stops
	Scale      float64
}

func (s *Step) applies(optode int, frame uint32) bool {
	if s == nil || frame < s.StartFrame || (s.EndFrame != 0 && frame >= s.EndFrame) {
		return false
	}
	return s.Optode < 0 || s.Optode == optode
}

// Config controls the generated signal.
type Config struct {
	NumOptodes       int
	SampleRateHz     float64
	Seed             int64
	NoiseStd         float64 // optical channels
	DarkNoiseStd     float64
	SpikeProbability float64 // per optode per frame
	MaxFrames        uint32  // Run stops after this many frames; 0 runs until cancelled
	Step             *Step
}

// DefaultConfig returns a 2-optode 5 Hz simulator with realistic noise.
func DefaultConfig() Config {
	return Config{
		NumOptodes:       2,
		SampleRateHz:     5.0,
		Seed:             1,
		NoiseStd:         0.01,
		DarkNoiseStd:     0.002,
		SpikeProbability: 0.005,
	}
}

// Simulator produces packets frame by frame. It is not safe for concurrent
// use.
type Simulator struct {
	cfg   Config
	rng   *rand.Rand
	frame uint32
}

// New validates cfg and seeds the generator.
func New(cfg Config) (*Simulator, error) {
	if cfg.NumOptodes < 1 || cfg.NumOptodes > packet.MaxOptode+1 {
		return nil, fmt.Errorf("simulator: %d optodes, want 1..%d", cfg.NumOptodes, packet.MaxOptode+1)
	}
	if cfg.SampleRateHz <= 0 {
		return nil, fmt.Errorf("simulator: sample rate %v must be positive", cfg.SampleRateHz)
	}
	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Interval is the time between frames.
func (s *Simulator) Interval() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.SampleRateHz)
}

// Frame returns the number of the next frame NextFrame will produce.
func (s *Simulator) Frame() uint32 { return s.frame }

// NextFrame generates one packet per optode and advances the frame counter.
func (s *Simulator) NextFrame() []packet.Packet {
	out := make([]packet.Packet, s.cfg.NumOptodes)
	for o := range out {
		out[o] = s.generate(o, s.frame)
	}
	s.frame++
	return out
}

func (s *Simulator) generate(optode int, frame uint32) packet.Packet {
	t := float64(frame) / s.cfg.SampleRateHz
	phys := func(base float64) float64 {
		return base +
			cardiacAmp*math.Sin(2*math.Pi*cardiacHz*t) +
			respAmp*math.Sin(2*math.Pi*respHz*t) +
			driftAmp*math.Sin(2*math.Pi*driftHz*t)
	}

	id := float64(optode)
	var ch [fnirs.NumChannels]float64
	ch[fnirs.Ch860Long] = phys(2.0 + 0.1*id)
	ch[fnirs.Ch740Long] = phys(1.8 + 0.1*id)
	ch[fnirs.Ch860Short] = phys(1.5 + 0.05*id)
	ch[fnirs.Ch740Short] = phys(1.3 + 0.05*id)
	dark := darkBase + darkWaveAmp*math.Sin(2*math.Pi*darkWaveHz*t)

	for c := range ch {
		ch[c] += s.gauss(s.cfg.NoiseStd)
	}
	dark += s.gauss(s.cfg.DarkNoiseStd)

	if s.cfg.SpikeProbability > 0 && s.rng.Float64() < s.cfg.SpikeProbability {
		spike := 0.1 + 0.2*s.rng.Float64()
		for c := range ch {
			ch[c] += spike
		}
	}

	if st := s.cfg.Step; st.applies(optode, frame) && st.Channel >= 0 && st.Channel < fnirs.NumChannels {
		ch[st.Channel] *= st.Scale
	}

	floor := dark + minAboveDk
	for c := range ch {
		ch[c] = math.Max(ch[c], floor)
	}

	return packet.Packet{
		Frame:      frame,
		Optode:     uint8(optode),
		NM740Long:  float32(ch[fnirs.Ch740Long]),
		NM860Long:  float32(ch[fnirs.Ch860Long]),
		NM740Short: float32(ch[fnirs.Ch740Short]),
		NM860Short: float32(ch[fnirs.Ch860Short]),
		Dark:       float32(dark),
	}
}

func (s *Simulator) gauss(std float64) float64 {
	if std <= 0 {
		return 0
	}
	return s.rng.NormFloat64() * std
}

// Run emits encoded packets at the sample rate until ctx is done or
// MaxFrames frames have been sent. An emit error stops the run.
func (s *Simulator) Run(ctx context.Context, clock timeutil.Clock, emit func([]byte) error) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		if s.cfg.MaxFrames > 0 && s.frame >= s.cfg.MaxFrames {
			return nil
		}
		for _, p := range s.NextFrame() {
			b, err := packet.Encode(p)
			if err != nil {
				return err
			}
			if err := emit(b); err != nil {
				return fmt.Errorf("simulator: frame %d optode %d: %w", p.Frame, p.Optode, err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}
