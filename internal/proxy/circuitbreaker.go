package proxy

import (
	"sync"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; a single request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

func (s cbState) label() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults in providers.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: providers.CBTimeWindow (60s).
	TimeWindow time.Duration

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: providers.CBCooldown (30s).
	Cooldown time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return providers.CBCooldown
}

// providerCB holds per-provider breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker tripped, for the cooldown timer
	probeInflight bool      // true while a half-open probe is out
}

// CircuitBreaker manages independent breakers for each provider, created
// lazily on first use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	disabled map[string]bool
	cfg      CBConfig

	// onTransition, when set, is invoked outside the per-provider lock for
	// every state change. Used for metrics and structured logs.
	onTransition func(provider, from, to string)
}

func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		disabled: make(map[string]bool),
		cfg:      cfg,
	}
}

// Disable turns the breaker into a pass-through for provider
// ({PROVIDER}_CIRCUIT_BREAKER=false): requests are always allowed and
// outcomes are not counted. Call during setup, before traffic.
func (cb *CircuitBreaker) Disable(provider string) {
	cb.mu.Lock()
	cb.disabled[provider] = true
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) isDisabled(provider string) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.disabled[provider]
}

// OnTransition registers a state-change callback. Call before the breaker is
// shared between goroutines.
func (cb *CircuitBreaker) OnTransition(fn func(provider, from, to string)) {
	cb.onTransition = fn
}

// Allow reports whether provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false until the cooldown elapses, then the breaker moves to
//     HalfOpen and admits exactly one probe.
//   - HalfOpen → true only when no probe is currently in flight.
func (cb *CircuitBreaker) Allow(provider string) bool {
	if cb.isDisabled(provider) {
		return true
	}
	pcb := cb.get(provider)

	pcb.mu.Lock()
	switch pcb.state {
	case cbClosed:
		pcb.mu.Unlock()
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.cooldown() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			pcb.mu.Unlock()
			cb.notify(provider, cbOpen, cbHalfOpen)
			return true
		}
		pcb.mu.Unlock()
		return false

	default: // cbHalfOpen
		if pcb.probeInflight {
			pcb.mu.Unlock()
			return false
		}
		pcb.probeInflight = true
		pcb.mu.Unlock()
		return true
	}
}

// RecordSuccess resets the breaker to Closed regardless of previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	if cb.isDisabled(provider) {
		return
	}
	pcb := cb.get(provider)

	pcb.mu.Lock()
	prev := pcb.state
	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
	pcb.mu.Unlock()

	if prev != cbClosed {
		cb.notify(provider, prev, cbClosed)
	}
}

// RecordFailure counts one failure. The breaker opens when the count reaches
// ErrorThreshold within TimeWindow, or immediately when a half-open probe
// fails.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	if cb.isDisabled(provider) {
		return
	}
	pcb := cb.get(provider)

	pcb.mu.Lock()
	now := time.Now()
	prev := pcb.state

	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}
	pcb.errorCount++
	pcb.probeInflight = false

	// A failed probe re-opens without waiting for the threshold.
	if prev == cbHalfOpen || pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
	next := pcb.state
	pcb.mu.Unlock()

	if prev != next {
		cb.notify(provider, prev, next)
	}
}

// State returns the current state for provider.
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	return cb.State(provider).label()
}

// Providers returns the names the breaker is currently tracking.
func (cb *CircuitBreaker) Providers() []string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make([]string, 0, len(cb.breakers))
	for name := range cb.breakers {
		out = append(out, name)
	}
	return out
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	pcb, ok := cb.breakers[provider]
	cb.mu.RUnlock()
	if ok {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok = cb.breakers[provider]; ok {
		return pcb
	}
	pcb = &providerCB{state: cbClosed, windowStart: time.Now()}
	cb.breakers[provider] = pcb
	return pcb
}

func (cb *CircuitBreaker) notify(provider string, from, to cbState) {
	if cb.onTransition != nil {
		cb.onTransition(provider, from.label(), to.label())
	}
}
