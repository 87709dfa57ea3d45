package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_NowSetAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
	clock.Advance(1500 * time.Millisecond)
	if got := clock.Since(start); got != 1500*time.Millisecond {
		t.Errorf("Since() = %v, want 1.5s", got)
	}

	later := start.Add(time.Hour)
	clock.Set(later)
	if got := clock.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestMockClock_TickerFiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(200 * time.Millisecond)

	clock.Advance(100 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its period")
	default:
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if want := time.Unix(0, 0).Add(200 * time.Millisecond); !got.Equal(want) {
			t.Errorf("tick = %v, want %v", got, want)
		}
	default:
		t.Fatal("ticker did not fire at its period")
	}

	// A long jump delivers one tick and schedules the next period after it.
	clock.Advance(time.Second)
	<-ticker.C()
	clock.Advance(100 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("skipped periods should not fire again")
	default:
	}
	clock.Advance(100 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not resume after a long advance")
	}
}

func TestMockTicker_StopAndTrigger(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second).(*MockTicker)

	ticker.Stop()
	clock.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}

	now := time.Unix(42, 0)
	ticker.Trigger(now)
	ticker.Trigger(now.Add(time.Second)) // dropped, buffer holds one tick
	if got := <-ticker.C(); !got.Equal(now) {
		t.Errorf("Trigger tick = %v, want %v", got, now)
	}
}

func TestMockClock_NewTickerPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero interval")
		}
	}()
	NewMockClock(time.Unix(0, 0)).NewTicker(0)
}
