package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/runestonehq/runestone/internal/auth"
	"github.com/runestonehq/runestone/internal/config"
	"github.com/runestonehq/runestone/internal/logger"
	"github.com/runestonehq/runestone/internal/metrics"
	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/providers"
	anthropicdrv "github.com/runestonehq/runestone/internal/providers/anthropic"
	geminidrv "github.com/runestonehq/runestone/internal/providers/gemini"
	openaidrv "github.com/runestonehq/runestone/internal/providers/openai"
	openaicompatdrv "github.com/runestonehq/runestone/internal/providers/openaicompat"
	"github.com/runestonehq/runestone/internal/proxy"
	"github.com/runestonehq/runestone/internal/ratelimit"
)

// initInfra establishes optional external connections: Redis for the shared
// rate-limit window and SQLite for the overflow queue.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Overflow.DBPath != "" {
		q, err := overflow.Open(a.cfg.Overflow.DBPath)
		if err != nil {
			return fmt.Errorf("overflow: %w", err)
		}
		a.queue = q
		a.log.Info("overflow queue opened", slog.String("path", a.cfg.Overflow.DBPath))
	}

	return nil
}

// initDrivers builds the provider driver map from non-empty API keys. At
// least one must exist — enforced by config validation before we get here.
func (a *App) initDrivers(ctx context.Context) error {
	a.drivers = make(map[string]providers.Driver)

	toDriverCfg := func(pc config.ProviderConfig) providers.Config {
		return providers.Config{
			APIKey:         pc.APIKey,
			BaseURL:        pc.BaseURL,
			DefaultModel:   pc.DefaultModel,
			Timeout:        pc.Timeout,
			RetryAttempts:  pc.RetryAttempts,
			CircuitBreaker: pc.CircuitBreaker,
		}
	}

	if a.cfg.OpenAI.APIKey != "" {
		a.drivers["openai"] = openaidrv.New(toDriverCfg(a.cfg.OpenAI))
	}
	if a.cfg.Anthropic.APIKey != "" {
		a.drivers["anthropic"] = anthropicdrv.New(toDriverCfg(a.cfg.Anthropic))
	}
	if a.cfg.Gemini.APIKey != "" {
		d, err := geminidrv.New(ctx, toDriverCfg(a.cfg.Gemini))
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		a.drivers["gemini"] = d
	}

	compat := []struct {
		name string
		cfg  config.ProviderConfig
	}{
		{"xai", a.cfg.XAI},
		{"groq", a.cfg.Groq},
		{"deepseek", a.cfg.DeepSeek},
		{"together", a.cfg.Together},
	}
	for _, c := range compat {
		if c.cfg.APIKey == "" {
			continue
		}
		a.drivers[c.name] = openaicompatdrv.New(c.name, toDriverCfg(c.cfg))
	}

	if len(a.drivers) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.drivers))
	for n := range a.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	a.log.Info("providers loaded", slog.Any("providers", names))
	return nil
}

// initServices creates the key store, rate limiter, metrics registry, and
// async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.keys = auth.NewKeyStore()
	defaults := a.cfg.DefaultLimits()
	for _, k := range a.cfg.Keys() {
		a.keys.Put(k)
	}
	if a.keys.Len() == 0 {
		a.log.Warn("no API keys provisioned; every request will be rejected " +
			"(set RUNESTONE_SEED_KEY or an api_keys list in config.yaml)")
	}

	var rw *ratelimit.RedisWindow
	if a.rdb != nil {
		rw = ratelimit.NewRedisWindow(a.rdb)
	}
	a.limiter = ratelimit.NewLimiter(defaults, rw)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger
	return nil
}

// initGateway wires the breaker, failover manager, policy router, proxy
// gateway, admission middleware, and overflow drainer.
func (a *App) initGateway(_ context.Context) error {
	cb := proxy.NewCircuitBreaker(proxy.CBConfig{
		ErrorThreshold: a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:     a.cfg.CircuitBreaker.TimeWindow,
		Cooldown:       a.cfg.CircuitBreaker.Cooldown,
	})

	// Per-provider overrides: {PROVIDER}_CIRCUIT_BREAKER=false exempts a
	// provider from the breaker, {PROVIDER}_RETRY_ATTEMPTS overrides the
	// global retry budget.
	retryOverrides := make(map[string]int)
	for name, pc := range a.providerConfigs() {
		if _, ok := a.drivers[name]; !ok {
			continue
		}
		if !pc.CircuitBreaker {
			cb.Disable(name)
			a.log.Warn("circuit breaker disabled", slog.String("provider", name))
		}
		if pc.RetryAttempts > 0 {
			retryOverrides[name] = pc.RetryAttempts
		}
	}

	manager := proxy.NewManager(cb, a.cfg.Failover.HealthThreshold)
	manager.AddGroup(a.buildChatGroup())
	a.manager = manager

	available := make([]string, 0, len(a.drivers))
	for name := range a.drivers {
		available = append(available, name)
	}
	router := proxy.NewRouter(a.cfg.RouterPolicy, a.cfg.DefaultProvider, available)

	gw := proxy.NewGateway(a.baseCtx, a.drivers, router, cb, manager, proxy.GatewayOptions{
		Logger:          a.log,
		ProviderTimeout: a.cfg.Failover.ProviderTimeout,
		Metrics:         a.prom,
		Retry: proxy.RetryPolicy{
			MaxAttempts:   a.cfg.Retry.MaxAttempts,
			BaseDelay:     a.cfg.Retry.BaseDelay,
			MaxDelay:      a.cfg.Retry.MaxDelay,
			BackoffFactor: 2.0,
			Jitter:        0.1,
		},
		RetryAttemptsByProvider: retryOverrides,
		Relay: proxy.Relay{
			IdleTimeout: a.cfg.Stream.IdleTimeout,
			Deadline:    a.cfg.Stream.Deadline,
		},
	})
	gw.SetLogger(a.reqLogger)

	adm := proxy.NewAdmission(a.keys, a.limiter, a.log)
	adm.SetMetrics(a.prom)

	if a.queue != nil {
		drainer := overflow.NewDrainer(
			a.queue,
			gw.OverflowSubmit(a.limiter, a.keys),
			overflow.DrainerConfig{
				Schedule:     a.cfg.Overflow.DrainSchedule,
				MaxAttempts:  a.cfg.Overflow.MaxAttempts,
				RetryBackoff: a.cfg.Overflow.RetryBackoff,
			},
			a.log,
		)
		drainer.OnEvent(func(event string, depth int64) {
			a.prom.RecordOverflow(event)
			if depth >= 0 {
				a.prom.SetOverflowDepth(depth)
			}
		})
		adm.SetOverflow(a.queue, drainer.Wake)
		a.drainer = drainer

		if gw.Health() != nil {
			queue := a.queue
			gw.Health().SetQueueReady(func() bool {
				_, err := queue.Depth(context.Background())
				return err == nil
			})
		}
	}

	a.gw = gw
	a.adm = adm
	a.proxySrv = proxy.NewServer(gw.Handler(adm, a.cfg.CORSOrigins), "runestone")
	a.healthSrv = proxy.NewServer(gw.HealthHandler(a.prom.Handler()), "runestone-mgmt")
	return nil
}

// providerConfigs maps driver names to their provider configuration blocks.
func (a *App) providerConfigs() map[string]config.ProviderConfig {
	return map[string]config.ProviderConfig{
		"openai":    a.cfg.OpenAI,
		"anthropic": a.cfg.Anthropic,
		"gemini":    a.cfg.Gemini,
		"xai":       a.cfg.XAI,
		"groq":      a.cfg.Groq,
		"deepseek":  a.cfg.DeepSeek,
		"together":  a.cfg.Together,
	}
}

// buildChatGroup derives the chat failover group from the configured drivers.
// Priority follows the catalog's cost order so priority and cost_optimized
// strategies both walk cheapest-first.
func (a *App) buildChatGroup() proxy.Group {
	order := providers.DefaultFailoverOrder()
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}

	members := make([]proxy.Member, 0, len(a.drivers))
	for name := range a.drivers {
		pri, ok := rank[name]
		if !ok {
			pri = len(order)
		}
		members = append(members, proxy.Member{Provider: name, Priority: pri, Weight: 1})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Priority < members[j].Priority })

	return proxy.Group{
		Name:            "chat",
		Members:         members,
		Strategy:        a.cfg.Failover.Strategy,
		MaxAttempts:     a.cfg.Failover.MaxAttempts,
		HealthThreshold: a.cfg.Failover.HealthThreshold,
	}
}
