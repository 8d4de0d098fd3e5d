package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/runestonehq/runestone/internal/metrics"
	"github.com/runestonehq/runestone/internal/providers"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second

	// probeBlend weights a new probe result against the running score so one
	// flaky probe does not flip a provider in and out of the candidate set.
	probeBlend = 0.3
)

// providerHealth holds the last probe outcome for one provider.
type providerHealth struct {
	mu    sync.RWMutex
	score float64 // 0..1 exponential moving average
	last  string  // "ok" | "degraded" | "unknown"
}

func (p *providerHealth) record(ok bool) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := 0.0
	p.last = "degraded"
	if ok {
		target = 1.0
		p.last = "ok"
	}
	p.score = p.score*(1-probeBlend) + target*probeBlend
	return p.score
}

func (p *providerHealth) get() (float64, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == "" {
		return p.score, "unknown"
	}
	return p.score, p.last
}

// HealthChecker runs background provider probes. Probe results feed the
// failover manager's health scores, so a provider failing its health check
// drops out of candidate lists before live traffic burns attempts on it.
type HealthChecker struct {
	drivers map[string]providers.Driver
	manager *Manager
	metrics *metrics.Registry
	baseCtx context.Context
	log     *slog.Logger

	statuses map[string]*providerHealth

	// queueReady reports overflow store reachability for GET /readiness.
	queueReady func() bool

	startTime time.Time
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and starts its probe loop. The
// first probe runs synchronously so /health never reports "unknown" after
// startup.
func NewHealthChecker(
	ctx context.Context,
	drivers map[string]providers.Driver,
	manager *Manager,
	met *metrics.Registry,
	log *slog.Logger,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	hc := &HealthChecker{
		drivers:   drivers,
		manager:   manager,
		metrics:   met,
		baseCtx:   ctx,
		log:       log,
		statuses:  make(map[string]*providerHealth),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for name := range drivers {
		// Start at full health: no data is not evidence of failure.
		hc.statuses[name] = &providerHealth{score: 1.0}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()
	return hc
}

// SetQueueReady wires the overflow store readiness probe.
func (hc *HealthChecker) SetQueueReady(fn func() bool) { hc.queueReady = fn }

// HealthSnapshot is the GET /health payload.
type HealthSnapshot struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Providers     map[string]ProviderHealth `json:"providers"`
}

// ProviderHealth is one provider's entry in the health snapshot.
type ProviderHealth struct {
	Status         string  `json:"status"`
	Score          float64 `json:"score"`
	CircuitBreaker string  `json:"circuit_breaker,omitempty"`
}

// Snapshot builds a snapshot from the latest probe results. cb may be nil.
func (hc *HealthChecker) Snapshot(cb *CircuitBreaker) HealthSnapshot {
	overall := "ok"
	provs := make(map[string]ProviderHealth, len(hc.statuses))
	for name, s := range hc.statuses {
		score, status := s.get()
		ph := ProviderHealth{Status: status, Score: score}
		if cb != nil {
			ph.CircuitBreaker = cb.StateLabel(name)
		}
		provs[name] = ph
		if status == "degraded" || ph.CircuitBreaker == "open" {
			overall = "degraded"
		}
	}
	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
	}
}

// ReadinessOK reports whether the process can accept traffic.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.queueReady == nil || hc.queueReady()
}

// Close stops the probe loop.
func (hc *HealthChecker) Close() {
	hc.once.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, drv := range hc.drivers {
		wg.Add(1)
		go func(name string, drv providers.Driver) {
			defer wg.Done()
			err := drv.HealthCheck(ctx)
			score := hc.statuses[name].record(err == nil)
			if hc.manager != nil {
				hc.manager.SetHealthScore(name, score)
			}
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(name, score)
			}
			if err != nil {
				hc.log.Warn("health_probe_failed",
					slog.String("provider", name),
					slog.Float64("score", score),
					slog.String("error", err.Error()),
				)
			}
		}(name, drv)
	}
	wg.Wait()
}
