// Package ratelimit implements per-key admission control: sliding-window
// request counters (minute and hour), an in-flight concurrency cap with
// idempotent release, and an optional Redis-backed window for multi-replica
// deployments.
package ratelimit

import (
	"sync"
	"time"
)

// window is a sliding-window counter over a fixed-size bucket ring. A minute
// window with second buckets uses 60 slots; pruning happens inline on every
// operation, so an idle key costs nothing.
type window struct {
	mu         sync.Mutex
	span       time.Duration
	bucketSize time.Duration
	buckets    []wbucket
}

type wbucket struct {
	stamp time.Time
	count int64
}

func newWindow(span, bucketSize time.Duration) *window {
	n := int(span / bucketSize)
	if n == 0 {
		n = 1
	}
	return &window{
		span:       span,
		bucketSize: bucketSize,
		buckets:    make([]wbucket, n),
	}
}

// add records one event at time now.
func (w *window) add(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	w.slotLocked(now).count++
}

// sum returns the number of events inside the window at time now.
func (w *window) sum(now time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	var total int64
	for i := range w.buckets {
		if !w.buckets[i].stamp.IsZero() {
			total += w.buckets[i].count
		}
	}
	return total
}

// resetAfter returns the time until the oldest counted event leaves the
// window — the earliest moment a denied caller could be admitted again.
// Returns the bucket size when the window is empty.
func (w *window) resetAfter(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	var oldest time.Time
	for i := range w.buckets {
		b := w.buckets[i]
		if b.stamp.IsZero() || b.count == 0 {
			continue
		}
		if oldest.IsZero() || b.stamp.Before(oldest) {
			oldest = b.stamp
		}
	}
	if oldest.IsZero() {
		return w.bucketSize
	}
	d := oldest.Add(w.span).Sub(now)
	if d < w.bucketSize {
		d = w.bucketSize
	}
	return d
}

func (w *window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	for i := range w.buckets {
		if !w.buckets[i].stamp.IsZero() && w.buckets[i].stamp.Before(cutoff) {
			w.buckets[i] = wbucket{}
		}
	}
}

func (w *window) slotLocked(now time.Time) *wbucket {
	stamp := now.Truncate(w.bucketSize)

	empty := -1
	oldest := -1
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.stamp.Equal(stamp) {
			return b
		}
		if b.stamp.IsZero() {
			if empty == -1 {
				empty = i
			}
			continue
		}
		if oldest == -1 || b.stamp.Before(w.buckets[oldest].stamp) {
			oldest = i
		}
	}

	idx := empty
	if idx == -1 {
		idx = oldest
	}
	w.buckets[idx] = wbucket{stamp: stamp}
	return &w.buckets[idx]
}
