package packet

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/cerebra/internal/fnirs"
	"github.com/banshee-data/cerebra/internal/monitoring"
	"github.com/banshee-data/cerebra/internal/timeutil"
)

var logf = monitoring.Component("assembler")

// Assembler defaults.
const (
	DefaultStaleTimeout = 2000 * time.Millisecond
	DefaultMaxPending   = 256
)

// AssemblerConfig configures frame assembly.
type AssemblerConfig struct {
	NumOptodes   int
	StaleTimeout time.Duration  // incomplete frames older than this are dropped
	MaxPending   int            // oldest incomplete frames beyond this are dropped
	Clock        timeutil.Clock // nil uses the real clock
}

// Frame is a complete set of packets sharing a frame number.
type Frame struct {
	Number uint32
	// TimestampMs is relative to the first packet the assembler saw, taken
	// from the earliest packet of this frame.
	TimestampMs int64
	Packets     map[int]Packet
}

// Samples returns the frame's raw samples ordered by optode.
func (f *Frame) Samples(sessionID int64) []fnirs.RawSample {
	ids := make([]int, 0, len(f.Packets))
	for id := range f.Packets {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]fnirs.RawSample, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.Packets[id].RawSample(sessionID, f.TimestampMs))
	}
	return out
}

type stamped struct {
	p    Packet
	tsMs int64
}

// Assembler groups packets by frame number until every optode reported.
type Assembler struct {
	mu      sync.Mutex
	cfg     AssemblerConfig
	pending map[uint32]map[int]stamped
	start   time.Time
	started bool
	dropped int
}

// NewAssembler applies defaults to cfg.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.NumOptodes < 1 {
		cfg.NumOptodes = 1
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Assembler{cfg: cfg, pending: make(map[uint32]map[int]stamped)}
}

// Add decodes b and adds it. It returns the completed frame, if any.
func (a *Assembler) Add(b []byte) (*Frame, error) {
	p, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return a.AddPacket(p), nil
}

// AddPacket adds a decoded packet, returning the frame it completes or nil.
func (a *Assembler) AddPacket(p Packet) *Frame {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.cfg.Clock.Now()
	if !a.started {
		a.start, a.started = now, true
	}
	ts := now.Sub(a.start).Milliseconds()
	a.evict(ts)

	packets, ok := a.pending[p.Frame]
	if !ok {
		packets = make(map[int]stamped, a.cfg.NumOptodes)
		a.pending[p.Frame] = packets
	}
	packets[int(p.Optode)] = stamped{p: p, tsMs: ts}
	if len(packets) < a.cfg.NumOptodes {
		return nil
	}

	delete(a.pending, p.Frame)
	f := &Frame{Number: p.Frame, TimestampMs: ts, Packets: make(map[int]Packet, len(packets))}
	for id, sp := range packets {
		if sp.tsMs < f.TimestampMs {
			f.TimestampMs = sp.tsMs
		}
		f.Packets[id] = sp.p
	}
	return f
}

// evict drops stale frames, then the oldest frame numbers while more than
// MaxPending remain.
func (a *Assembler) evict(nowMs int64) {
	stale := a.cfg.StaleTimeout.Milliseconds()
	for frame, packets := range a.pending {
		oldest := nowMs
		for _, sp := range packets {
			if sp.tsMs < oldest {
				oldest = sp.tsMs
			}
		}
		if nowMs-oldest > stale {
			logf("dropping stale frame %d: %d of %d optodes after %dms", frame, len(packets), a.cfg.NumOptodes, nowMs-oldest)
			delete(a.pending, frame)
			a.dropped++
		}
	}

	overflow := len(a.pending) - a.cfg.MaxPending
	if overflow <= 0 {
		return
	}
	frames := make([]uint32, 0, len(a.pending))
	for frame := range a.pending {
		frames = append(frames, frame)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	for _, frame := range frames[:overflow] {
		logf("dropping frame %d: more than %d frames pending", frame, a.cfg.MaxPending)
		delete(a.pending, frame)
		a.dropped++
	}
}

// Pending returns the number of incomplete frames held.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Dropped returns how many incomplete frames have been evicted.
func (a *Assembler) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Reset clears pending frames, the drop count and the time origin.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[uint32]map[int]stamped)
	a.started = false
	a.dropped = 0
}
