// Package packet decodes the acquisition device's wire format and groups
// per-optode packets into complete frames.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

/*
PACKET STRUCTURE (24 bytes, little-endian):
├── metadata  uint32   bits 31..4 frame number, bits 3..0 optode id
├── 740_long  float32
├── 860_long  float32
├── 740_short float32
├── 860_short float32
└── dark      float32
*/
const (
	Size       = 24
	MaxOptode  = 0xF
	MaxFrame   = 1<<28 - 1
	optodeBits = 4
)

var (
	// ErrShortPacket is returned when fewer than Size bytes are supplied.
	ErrShortPacket = errors.New("short packet")
	// ErrFieldRange is returned when a frame or optode does not fit its bits.
	ErrFieldRange = errors.New("field out of range")
)

// Packet is one optode's reading for one frame, as sent by the device.
type Packet struct {
	Frame      uint32
	Optode     uint8
	NM740Long  float32
	NM860Long  float32
	NM740Short float32
	NM860Short float32
	Dark       float32
}

// Metadata packs the frame and optode into the header word.
func (p Packet) Metadata() uint32 {
	return p.Frame<<optodeBits | uint32(p.Optode)
}

// Encode returns the wire form of p.
func Encode(p Packet) ([]byte, error) {
	if p.Frame > MaxFrame {
		return nil, fmt.Errorf("%w: frame %d", ErrFieldRange, p.Frame)
	}
	if p.Optode > MaxOptode {
		return nil, fmt.Errorf("%w: optode %d", ErrFieldRange, p.Optode)
	}
	b := make([]byte, Size)
	binary.LittleEndian.PutUint32(b[0:4], p.Metadata())
	for i, v := range []float32{p.NM740Long, p.NM860Long, p.NM740Short, p.NM860Short, p.Dark} {
		binary.LittleEndian.PutUint32(b[4+4*i:8+4*i], math.Float32bits(v))
	}
	return b, nil
}

// Decode parses the first Size bytes of b.
func Decode(b []byte) (Packet, error) {
	if len(b) < Size {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	meta := binary.LittleEndian.Uint32(b[0:4])
	f := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b[4+4*i : 8+4*i]))
	}
	return Packet{
		Frame:      meta >> optodeBits,
		Optode:     uint8(meta & MaxOptode),
		NM740Long:  f(0),
		NM860Long:  f(1),
		NM740Short: f(2),
		NM860Short: f(3),
		Dark:       f(4),
	}, nil
}

// RawSample converts p into the pipeline's frame record.
func (p Packet) RawSample(sessionID, timestampMs int64) fnirs.RawSample {
	return fnirs.RawSample{
		SessionID:   sessionID,
		OptodeID:    int(p.Optode),
		FrameNumber: int64(p.Frame),
		TimestampMs: timestampMs,
		NM740Long:   float64(p.NM740Long),
		NM860Long:   float64(p.NM860Long),
		NM740Short:  float64(p.NM740Short),
		NM860Short:  float64(p.NM860Short),
		Dark:        float64(p.Dark),
	}
}
