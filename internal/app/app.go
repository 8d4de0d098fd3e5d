// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, overflow SQLite)
//  2. initDrivers   — upstream provider drivers
//  3. initServices  — key store, rate limiter, metrics, request logger
//  4. initGateway   — breaker, failover manager, router, proxy, drainer
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/runestonehq/runestone/internal/auth"
	"github.com/runestonehq/runestone/internal/config"
	"github.com/runestonehq/runestone/internal/logger"
	"github.com/runestonehq/runestone/internal/metrics"
	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/proxy"
	"github.com/runestonehq/runestone/internal/ratelimit"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb   *redis.Client
	queue *overflow.Store

	keys      *auth.KeyStore
	limiter   *ratelimit.Limiter
	reqLogger *logger.Logger
	prom      *metrics.Registry

	drivers map[string]providers.Driver
	gw      *proxy.Gateway
	adm     *proxy.Admission
	manager *proxy.Manager
	drainer *overflow.Drainer

	proxySrv  *fasthttp.Server
	healthSrv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"drivers", a.initDrivers},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// Run starts both listeners and the overflow drainer, and blocks until ctx is
// cancelled or a listener fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	proxyAddr := fmt.Sprintf(":%d", a.cfg.Port)
	healthAddr := fmt.Sprintf(":%d", a.cfg.HealthPort)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("proxy_addr", proxyAddr),
		slog.String("health_addr", healthAddr),
		slog.String("router_policy", a.cfg.RouterPolicy),
		slog.Int("providers", len(a.drivers)),
		slog.Int("api_keys", a.keys.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.proxySrv.ListenAndServe(proxyAddr) })
	g.Go(func() error { return a.healthSrv.ListenAndServe(healthAddr) })

	if a.drainer != nil {
		if err := a.drainer.Start(gctx); err != nil {
			return fmt.Errorf("app: start drainer: %w", err)
		}
		// Concurrency slots freeing up wake the drainer immediately instead
		// of waiting for the next cron tick.
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-a.limiter.ReleaseSignals():
					a.drainer.Wake()
				}
			}
		})
	}

	// Live-traffic success ratios feed back into failover health scores.
	g.Go(func() error {
		rebalanceLoop(gctx, a.manager, time.Minute)
		return nil
	})

	// Idle per-key counters age out hourly.
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := a.limiter.Prune(2 * time.Hour); n > 0 {
					a.log.Debug("limiter_pruned", slog.Int("counters", n))
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		a.shutdownServers()
		a.Close()
		return nil
	})

	return g.Wait()
}

func (a *App) shutdownServers() {
	if a.proxySrv != nil {
		_ = a.proxySrv.Shutdown()
	}
	if a.healthSrv != nil {
		_ = a.healthSrv.Shutdown()
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.drainer != nil {
		a.drainer.Stop()
		a.drainer = nil
	}
	if a.gw != nil && a.gw.Health() != nil {
		a.gw.Health().Close()
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Error("overflow close error", slog.String("error", err.Error()))
		}
		a.queue = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// rebalanceLoop recomputes failover health scores on a fixed cadence until
// ctx is cancelled.
func rebalanceLoop(ctx context.Context, m *proxy.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Rebalance()
		}
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging. e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
