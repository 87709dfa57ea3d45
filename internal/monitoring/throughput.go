package monitoring

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/cerebra/internal/timeutil"
)

// Throughput counts acquisition work across goroutines.
type Throughput struct {
	packets   atomic.Int64
	frames    atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Packets   int64 // packets received
	Frames    int64 // complete frames assembled
	Processed int64 // preprocessed samples written
	Dropped   int64 // out-of-order or evicted frames
	Failed    int64 // frames that returned an error
}

func (t *Throughput) AddPackets(n int64)   { t.packets.Add(n) }
func (t *Throughput) AddFrames(n int64)    { t.frames.Add(n) }
func (t *Throughput) AddProcessed(n int64) { t.processed.Add(n) }
func (t *Throughput) AddDropped(n int64)   { t.dropped.Add(n) }
func (t *Throughput) AddFailed(n int64)    { t.failed.Add(n) }

// Snapshot reads every counter.
func (t *Throughput) Snapshot() Snapshot {
	return Snapshot{
		Packets:   t.packets.Load(),
		Frames:    t.frames.Load(),
		Processed: t.processed.Load(),
		Dropped:   t.dropped.Load(),
		Failed:    t.failed.Load(),
	}
}

// Sub returns the counts accumulated since prev.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		Packets:   s.Packets - prev.Packets,
		Frames:    s.Frames - prev.Frames,
		Processed: s.Processed - prev.Processed,
		Dropped:   s.Dropped - prev.Dropped,
		Failed:    s.Failed - prev.Failed,
	}
}

// Report logs the counts accumulated during each interval through Logf
// until ctx is done.
func (t *Throughput) Report(ctx context.Context, clock timeutil.Clock, interval time.Duration) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	prev := t.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			cur := t.Snapshot()
			d := cur.Sub(prev)
			prev = cur
			Logf("[throughput] %s: packets=%d frames=%d processed=%d dropped=%d failed=%d",
				interval, d.Packets, d.Frames, d.Processed, d.Dropped, d.Failed)
		}
	}
}
