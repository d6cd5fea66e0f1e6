package clock_test

import (
	"testing"
	"time"

	"pkt.systems/distlock/internal/clock"
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

func TestOrDefaultsToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatalf("expected Real clock for nil input")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if got := clock.Or(manual); got != manual {
		t.Fatalf("expected supplied clock to be returned")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(2 * time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("timer did not fire after advancing past deadline")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(100, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected zero-duration timer to fire immediately")
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	if m.BlockUntil(1, 10*time.Millisecond) {
		t.Fatal("expected BlockUntil to time out without timers")
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.After(time.Minute)
	}()
	if !m.BlockUntil(1, time.Second) {
		t.Fatal("expected BlockUntil to observe scheduled timer")
	}
}
