// Package samplebuf keeps a bounded rolling window of raw frames per optode.
package samplebuf

import (
	"fmt"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

// DefaultCapacity covers 10 seconds at the default 5 Hz sample rate.
const DefaultCapacity = 50

// CapacityFor returns the number of frames spanning seconds at rateHz,
// never less than one.
func CapacityFor(rateHz, seconds float64) int {
	n := int(rateHz*seconds + 0.5)
	if n < 1 {
		return 1
	}
	return n
}

// ring is a fixed-size circular history of one optode's frames.
type ring struct {
	samples []fnirs.RawSample
	head    int // next write position
	size    int

	seen     bool
	lastFrm  int64
	lastTsMs int64
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]fnirs.RawSample, capacity)}
}

func (r *ring) add(s fnirs.RawSample) {
	r.samples[r.head] = s
	r.head = (r.head + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
	r.seen = true
	r.lastFrm = s.FrameNumber
	r.lastTsMs = s.TimestampMs
}

// previous returns the sample n steps back; previous(1) is the newest.
func (r *ring) previous(n int) fnirs.RawSample {
	idx := (r.head - n + len(r.samples)) % len(r.samples)
	return r.samples[idx]
}

// Buffer holds one ring per optode. It is not safe for concurrent use; the
// pipeline gives each session's buffer to exactly one goroutine.
type Buffer struct {
	capacity int
	rings    map[int]*ring
}

// New creates a Buffer whose per-optode windows hold capacity frames.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, rings: make(map[int]*ring)}
}

// Capacity returns the per-optode window size.
func (b *Buffer) Capacity() int { return b.capacity }

// Check reports whether s could be pushed without violating ordering. It
// never mutates the buffer.
func (b *Buffer) Check(optode int, s fnirs.RawSample) error {
	r, ok := b.rings[optode]
	if !ok || !r.seen {
		return nil
	}
	if s.FrameNumber <= r.lastFrm {
		return fmt.Errorf("%w: optode %d frame %d after frame %d",
			fnirs.ErrOutOfOrderFrame, optode, s.FrameNumber, r.lastFrm)
	}
	if s.TimestampMs < r.lastTsMs {
		return fmt.Errorf("%w: optode %d timestamp %dms after %dms",
			fnirs.ErrOutOfOrderFrame, optode, s.TimestampMs, r.lastTsMs)
	}
	return nil
}

// Push appends s to the optode's window, evicting the oldest frame when full.
// Out-of-order frames are rejected with fnirs.ErrOutOfOrderFrame and leave
// the buffer untouched.
func (b *Buffer) Push(optode int, s fnirs.RawSample) error {
	if err := b.Check(optode, s); err != nil {
		return err
	}
	r, ok := b.rings[optode]
	if !ok {
		r = newRing(b.capacity)
		b.rings[optode] = r
	}
	r.add(s)
	return nil
}

// Window returns up to size of the optode's most recent frames in
// chronological order (oldest first). size <= 0 returns the whole window.
func (b *Buffer) Window(optode, size int) []fnirs.RawSample {
	r, ok := b.rings[optode]
	if !ok || r.size == 0 {
		return nil
	}
	if size <= 0 || size > r.size {
		size = r.size
	}
	out := make([]fnirs.RawSample, size)
	for i := 0; i < size; i++ {
		out[size-1-i] = r.previous(i + 1)
	}
	return out
}

// Last returns the newest frame for the optode.
func (b *Buffer) Last(optode int) (fnirs.RawSample, bool) {
	r, ok := b.rings[optode]
	if !ok || r.size == 0 {
		return fnirs.RawSample{}, false
	}
	return r.previous(1), true
}

// Len returns how many frames the optode's window currently holds.
func (b *Buffer) Len(optode int) int {
	if r, ok := b.rings[optode]; ok {
		return r.size
	}
	return 0
}

// Optodes returns how many optodes have pushed at least one frame.
func (b *Buffer) Optodes() int { return len(b.rings) }

// Reset drops the optode's window and ordering history.
func (b *Buffer) Reset(optode int) {
	delete(b.rings, optode)
}
