package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runestonehq/runestone/internal/auth"
)

// Reasons a request is denied admission.
const (
	ReasonRPM         = "rpm"
	ReasonRPH         = "rph"
	ReasonConcurrency = "concurrency"
)

// safetyRelease is the hard upper bound on how long an admitted request may
// hold a concurrency slot before the limiter reclaims it. Guards against
// leaked slots from code paths that never call release.
const safetyRelease = 5 * time.Minute

type (
	// Decision is the outcome of an admission check, with the header values
	// the HTTP layer reports either way.
	Decision struct {
		Allowed bool
		Reason  string // set when denied

		LimitRPM     int
		RemainingRPM int
		ResetRPM     time.Duration

		LimitRPH     int
		RemainingRPH int
		ResetRPH     time.Duration
	}

	// ReleaseFunc frees the concurrency slot taken by an admitted request.
	// Safe to call more than once; only the first call has effect.
	ReleaseFunc func()

	// Limiter enforces per-key RPM/RPH windows and the concurrent in-flight
	// cap. An optional RedisWindow extends the RPM check across replicas.
	Limiter struct {
		defaults auth.Limits
		redis    *RedisWindow // nil when not configured

		mu       sync.Mutex
		counters map[string]*keyCounter

		// releases wakes the overflow drainer when capacity frees up.
		releases chan struct{}
	}

	keyCounter struct {
		minute   *window
		hour     *window
		inFlight atomic.Int64
		lastSeen atomic.Int64 // unix seconds, for janitor pruning
	}
)

// NewLimiter builds a limiter with the given default limits. redis may be
// nil. Per-key overrides come in on each Admit call.
func NewLimiter(defaults auth.Limits, redis *RedisWindow) *Limiter {
	return &Limiter{
		defaults: defaults,
		redis:    redis,
		counters: make(map[string]*keyCounter),
		releases: make(chan struct{}, 1),
	}
}

// ReleaseSignals returns a channel that receives a token whenever a
// concurrency slot frees up. Buffered at one: coalesced, never blocking.
func (l *Limiter) ReleaseSignals() <-chan struct{} { return l.releases }

// Admit runs the admission check for key. On success the returned release
// func MUST eventually be called; it is idempotent and backed by a safety
// timer. On denial release is nil.
func (l *Limiter) Admit(ctx context.Context, key string, limits auth.Limits) (Decision, ReleaseFunc) {
	limits = l.withDefaults(limits)
	now := time.Now()
	c := l.counter(key)
	c.lastSeen.Store(now.Unix())

	d := Decision{
		LimitRPM: limits.RequestsPerMinute,
		LimitRPH: limits.RequestsPerHour,
	}

	minuteUsed := c.minute.sum(now)
	if l.redis != nil {
		if n, err := l.redis.Count(ctx, key); err == nil && n > minuteUsed {
			// The shared window has seen traffic from other replicas.
			minuteUsed = n
		}
	}
	hourUsed := c.hour.sum(now)

	d.RemainingRPM = clampRemaining(limits.RequestsPerMinute, minuteUsed)
	d.RemainingRPH = clampRemaining(limits.RequestsPerHour, hourUsed)
	d.ResetRPM = c.minute.resetAfter(now)
	d.ResetRPH = c.hour.resetAfter(now)

	switch {
	case minuteUsed >= int64(limits.RequestsPerMinute):
		d.Reason = ReasonRPM
		return d, nil
	case hourUsed >= int64(limits.RequestsPerHour):
		d.Reason = ReasonRPH
		return d, nil
	}

	// Concurrency last: take the slot optimistically, back out on overrun so
	// two racing requests cannot both sneak under the cap.
	if c.inFlight.Add(1) > int64(limits.ConcurrentRequests) {
		c.inFlight.Add(-1)
		d.Reason = ReasonConcurrency
		return d, nil
	}

	c.minute.add(now)
	c.hour.add(now)
	if l.redis != nil {
		// Best effort; the in-process windows stay authoritative.
		_, _ = l.redis.Incr(ctx, key)
	}

	d.Allowed = true
	d.RemainingRPM = clampRemaining(limits.RequestsPerMinute, minuteUsed+1)
	d.RemainingRPH = clampRemaining(limits.RequestsPerHour, hourUsed+1)

	return d, l.makeRelease(c)
}

// InFlight returns the current in-flight count for key.
func (l *Limiter) InFlight(key string) int64 {
	l.mu.Lock()
	c, ok := l.counters[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return c.inFlight.Load()
}

// HasCapacity reports whether key could currently take another request.
// Used by the overflow drainer to decide when to replay queued jobs.
func (l *Limiter) HasCapacity(ctx context.Context, key string, limits auth.Limits) bool {
	limits = l.withDefaults(limits)
	now := time.Now()
	c := l.counter(key)
	if c.inFlight.Load() >= int64(limits.ConcurrentRequests) {
		return false
	}
	if c.minute.sum(now) >= int64(limits.RequestsPerMinute) {
		return false
	}
	return c.hour.sum(now) < int64(limits.RequestsPerHour)
}

// Prune drops counters idle for longer than maxIdle. Returns the number
// removed. Counters with requests still in flight are kept.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle).Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, c := range l.counters {
		if c.lastSeen.Load() < cutoff && c.inFlight.Load() == 0 {
			delete(l.counters, k)
			n++
		}
	}
	return n
}

func (l *Limiter) makeRelease(c *keyCounter) ReleaseFunc {
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.inFlight.Add(-1)
			select {
			case l.releases <- struct{}{}:
			default:
			}
		})
	}
	timer := time.AfterFunc(safetyRelease, release)
	return func() {
		timer.Stop()
		release()
	}
}

func (l *Limiter) counter(key string) *keyCounter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[key]
	if !ok {
		c = &keyCounter{
			minute: newWindow(time.Minute, time.Second),
			hour:   newWindow(time.Hour, time.Minute),
		}
		l.counters[key] = c
	}
	return c
}

func (l *Limiter) withDefaults(limits auth.Limits) auth.Limits {
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = l.defaults.RequestsPerMinute
	}
	if limits.RequestsPerHour <= 0 {
		limits.RequestsPerHour = l.defaults.RequestsPerHour
	}
	if limits.ConcurrentRequests <= 0 {
		limits.ConcurrentRequests = l.defaults.ConcurrentRequests
	}
	return limits
}

func clampRemaining(limit int, used int64) int {
	r := limit - int(used)
	if r < 0 {
		return 0
	}
	return r
}
