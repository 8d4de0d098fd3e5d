package proxy

import (
	"context"
	"math/rand"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

// RetryPolicy governs same-provider retries. Failover across providers is a
// separate concern handled by Manager; the policy here never changes the
// candidate.
type RetryPolicy struct {
	// MaxAttempts counts the first try: 3 means one try plus two retries.
	MaxAttempts int

	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Jitter is the symmetric fraction applied to each delay (0.1 = ±10%).
	Jitter float64

	// Retryable decides per error class. Nil falls back to the default set.
	Retryable map[providers.ErrorClass]bool
}

// DefaultRetryPolicy matches the gateway defaults: 3 attempts, 1s base,
// 30s cap, factor 2, ±10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   providers.MaxRetries,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.1,
	}
}

var defaultRetryable = map[providers.ErrorClass]bool{
	providers.ClassTimeout:     true,
	providers.ClassConnection:  true,
	providers.ClassRateLimited: true,
	providers.ClassServerError: true,
}

// ShouldRetry reports whether err is worth retrying under this policy.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	table := p.Retryable
	if table == nil {
		table = defaultRetryable
	}
	return table[providers.Classify(err)]
}

// Delay returns the backoff before retry number n (1-based: n=1 precedes the
// second attempt).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.BackoffFactor
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.Jitter > 0 {
		// Uniform in [1-j, 1+j].
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Do runs fn up to MaxAttempts times, sleeping between attempts. The sleep
// is cancellable: a dead context returns immediately with ctx.Err. A
// non-retryable error returns as-is without further attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts || !p.ShouldRetry(err) {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
