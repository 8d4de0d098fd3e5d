package ratelimit

import (
	"testing"
	"time"
)

func TestWindowCountsWithinSpan(t *testing.T) {
	w := newWindow(time.Minute, time.Second)
	now := time.Now()
	for i := 0; i < 5; i++ {
		w.add(now)
	}
	if got := w.sum(now); got != 5 {
		t.Fatalf("sum = %d, want 5", got)
	}
}

func TestWindowExpiresOldEvents(t *testing.T) {
	w := newWindow(time.Minute, time.Second)
	start := time.Now()
	w.add(start)
	w.add(start.Add(30 * time.Second))

	if got := w.sum(start.Add(59 * time.Second)); got != 2 {
		t.Fatalf("sum inside window = %d, want 2", got)
	}
	// First event falls out after 60s; the second survives.
	if got := w.sum(start.Add(61 * time.Second)); got != 1 {
		t.Fatalf("sum after partial expiry = %d, want 1", got)
	}
	if got := w.sum(start.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("sum after full expiry = %d, want 0", got)
	}
}

func TestWindowResetAfter(t *testing.T) {
	w := newWindow(time.Minute, time.Second)
	now := time.Now()
	w.add(now)

	reset := w.resetAfter(now.Add(10 * time.Second))
	if reset <= 0 || reset > 50*time.Second {
		t.Fatalf("resetAfter = %v, want ~50s", reset)
	}

	empty := newWindow(time.Minute, time.Second)
	if got := empty.resetAfter(now); got != time.Second {
		t.Fatalf("empty window resetAfter = %v, want bucket size", got)
	}
}

func TestWindowRingReuse(t *testing.T) {
	// More distinct bucket stamps than slots: the ring must recycle the
	// oldest slot and keep counting.
	w := newWindow(3*time.Second, time.Second)
	start := time.Now().Truncate(time.Second)
	for i := 0; i < 10; i++ {
		w.add(start.Add(time.Duration(i) * time.Second))
	}
	if got := w.sum(start.Add(9 * time.Second)); got < 1 || got > 3 {
		t.Fatalf("sum after ring wrap = %d, want 1..3", got)
	}
}
