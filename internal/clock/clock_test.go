package clock_test

import (
	"testing"
	"time"

	"pkt.systems/harmonyd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealTickerTicks(t *testing.T) {
	t.Parallel()

	tk := clock.Real{}.NewTicker(5 * time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if clock.Since(m, start) != time.Second {
		t.Fatalf("Since mismatch: %v", clock.Since(m, start))
	}
}

func TestManualTickerDropsAndStops(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	tk := m.NewTicker(time.Second)
	m.Advance(3 * time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire")
	}
	select {
	case <-tk.C():
		t.Fatal("ticker should coalesce missed ticks")
	default:
	}
	tk.Stop()
	m.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
