package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	m := NewManual(time.Unix(1_600_000_000, 0))
	first := m.After(time.Second)
	second := m.After(3 * time.Second)

	m.Advance(time.Second)
	select {
	case <-first:
	default:
		t.Fatal("expected first timer to fire")
	}
	select {
	case <-second:
		t.Fatal("second timer fired early")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(2 * time.Second)
	select {
	case <-second:
	default:
		t.Fatal("expected second timer to fire")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(1_600_000_000, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected immediate fire for zero delay")
	}
}

func TestManualAdvanceToNeverGoesBackwards(t *testing.T) {
	m := NewManual(time.Unix(1_600_000_000, 0))
	now := m.Now()
	m.AdvanceTo(now.Add(-time.Hour))
	if got := m.Now(); !got.Equal(now) {
		t.Fatalf("expected clock pinned at %v, got %v", now, got)
	}
}

func TestUnixMilliRoundTrip(t *testing.T) {
	now := time.Unix(1_600_000_000, 123_000_000).UTC()
	ms := UnixMilli(now)
	if got := FromUnixMilli(ms); !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
}

func TestRealNowIsUTC(t *testing.T) {
	if zone, _ := (Real{}).Now().Zone(); zone != "UTC" {
		t.Fatalf("expected UTC, got %s", zone)
	}
}
