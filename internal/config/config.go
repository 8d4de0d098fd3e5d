// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML. API keys for gateway clients are YAML-only (the
// api_keys list) plus the optional RUNESTONE_SEED_KEY bootstrap variable.
//
// At least one upstream provider key is required for the gateway to start.
// Redis is optional — without REDIS_URL the rate limiter runs per-process.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/runestonehq/runestone/internal/auth"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the proxy listener binds. Default: 4003.
	Port int

	// HealthPort is the management listener (health, readiness, metrics).
	// Default: 4004.
	HealthPort int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// RouterPolicy selects the routing policy: "default" or "cost".
	RouterPolicy string

	// DefaultProvider receives requests the model catalog cannot place.
	DefaultProvider string

	// Upstream providers. A provider with an empty APIKey is disabled.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	XAI       ProviderConfig
	Groq      ProviderConfig
	DeepSeek  ProviderConfig
	Together  ProviderConfig

	// Redis extends the per-minute rate limit window across replicas.
	// Optional.
	Redis RedisConfig

	// RateLimit holds the default per-key admission limits.
	RateLimit RateLimitConfig

	// Overflow controls the SQLite-backed concurrency overflow queue.
	Overflow OverflowConfig

	// CircuitBreaker controls per-provider breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Retry controls same-provider retry backoff.
	Retry RetryConfig

	// Stream controls SSE relay timeouts.
	Stream StreamConfig

	// Failover controls the multi-provider candidate walk.
	Failover FailoverConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string

	// APIKeys is the provisioned client key list, loaded from the YAML
	// api_keys section.
	APIKeys []APIKeyConfig

	// SeedKey is an optional bootstrap API key from RUNESTONE_SEED_KEY,
	// registered with default limits. Useful for first-run setups with no
	// YAML file.
	SeedKey string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider credential. Empty disables the provider.
	APIKey string

	// BaseURL overrides the provider's default endpoint. Useful for local
	// mocks. Leave empty to use the default.
	BaseURL string

	// DefaultModel is used when a request reaches this provider without a
	// model the provider knows.
	DefaultModel string

	// Timeout is the per-attempt upstream timeout. Default: PROVIDER_TIMEOUT.
	Timeout time.Duration

	// RetryAttempts overrides RETRY_MAX_ATTEMPTS for this provider.
	// Zero uses the global value.
	RetryAttempts int

	// CircuitBreaker enables the per-provider breaker. Default: true.
	CircuitBreaker bool
}

// RedisConfig holds the optional Redis connection.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig holds the default per-key admission limits. Individual keys
// may override them in their api_keys entry.
type RateLimitConfig struct {
	// RPM is the requests-per-minute ceiling. Default: 60.
	RPM int
	// RPH is the requests-per-hour ceiling. Default: 1000.
	RPH int
	// MaxConcurrent caps simultaneous in-flight requests per key. Default: 10.
	MaxConcurrent int
}

// OverflowConfig controls the overflow queue and its drainer.
type OverflowConfig struct {
	// DBPath is the SQLite file backing the queue. Default:
	// "runestone-overflow.db". Empty disables overflow queueing entirely.
	DBPath string
	// DrainSchedule is a cron expression for the wall-clock drain tick.
	// Default: "* * * * *".
	DrainSchedule string
	// MaxAttempts before a parked job is dropped. Default: 3.
	MaxAttempts int
	// RetryBackoff between failed replays of one job. Default: 30s.
	RetryBackoff time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold trips the breaker after this many failures within
	// TimeWindow. Default: 5.
	ErrorThreshold int
	// TimeWindow is the rolling error-counting window. Default: 60s.
	TimeWindow time.Duration
	// Cooldown is how long the breaker stays open before a single probe.
	// Default: 30s.
	Cooldown time.Duration
}

// RetryConfig controls same-provider retries.
type RetryConfig struct {
	// MaxAttempts includes the first try. Default: 3.
	MaxAttempts int
	// BaseDelay before the first retry. Default: 1s.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff. Default: 30s.
	MaxDelay time.Duration
}

// StreamConfig controls the SSE relay.
type StreamConfig struct {
	// IdleTimeout kills a stream with no upstream events. Default: 30s.
	IdleTimeout time.Duration
	// Deadline caps total session duration. Default: 5m.
	Deadline time.Duration
}

// FailoverConfig controls the candidate walk across providers.
type FailoverConfig struct {
	// Strategy orders candidates: priority, round_robin, health_aware,
	// cost_optimized, load_balanced, or fastest_first. Default: priority.
	Strategy string
	// MaxAttempts caps how many providers one request may try. 0 = all.
	MaxAttempts int
	// HealthThreshold is the minimum probe score (0..1) for a provider to
	// stay in the candidate set. Default: 0.5.
	HealthThreshold float64
	// ProviderTimeout is the per-attempt upstream timeout. Default: 120s.
	ProviderTimeout time.Duration
}

// APIKeyConfig is one entry of the YAML api_keys list.
type APIKeyConfig struct {
	Key              string            `mapstructure:"key"`
	Name             string            `mapstructure:"name"`
	RPM              int               `mapstructure:"rpm"`
	RPH              int               `mapstructure:"rph"`
	MaxConcurrent    int               `mapstructure:"max_concurrent"`
	AllowedProviders []string          `mapstructure:"allowed_providers"`
	ProviderKeys     map[string]string `mapstructure:"provider_keys"`
	Metadata         map[string]string `mapstructure:"metadata"`
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 4003)
	v.SetDefault("HEALTH_PORT", 4004)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RUNESTONE_ROUTER_POLICY", "default")
	v.SetDefault("DEFAULT_PROVIDER", "openai")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Admission defaults.
	v.SetDefault("RATE_LIMIT_RPM", 60)
	v.SetDefault("RATE_LIMIT_RPH", 1000)
	v.SetDefault("MAX_CONCURRENT_PER_TENANT", 10)

	// Overflow queue defaults.
	v.SetDefault("OVERFLOW_DB_PATH", "runestone-overflow.db")
	v.SetDefault("OVERFLOW_DRAIN_SCHEDULE", "* * * * *")
	v.SetDefault("OVERFLOW_MAX_ATTEMPTS", 3)
	v.SetDefault("OVERFLOW_RETRY_BACKOFF", "30s")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_COOLDOWN", "30s")

	// Retry defaults.
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("RETRY_MAX_DELAY", "30s")

	// Stream relay defaults.
	v.SetDefault("STREAM_IDLE_TIMEOUT", "30s")
	v.SetDefault("STREAM_DEADLINE", "5m")

	// Failover defaults.
	v.SetDefault("FAILOVER_STRATEGY", "priority")
	v.SetDefault("FAILOVER_MAX_ATTEMPTS", 0)
	v.SetDefault("FAILOVER_HEALTH_THRESHOLD", 0.5)
	v.SetDefault("PROVIDER_TIMEOUT", "120s")
	for _, p := range []string{"OPENAI", "ANTHROPIC", "GEMINI", "XAI", "GROQ", "DEEPSEEK", "TOGETHER"} {
		v.SetDefault(p+"_CIRCUIT_BREAKER", true)
	}

	// ── Build config ──────────────────────────────────────────────────────────
	timeout := v.GetDuration("PROVIDER_TIMEOUT")
	provider := func(prefix string) ProviderConfig {
		t := v.GetDuration(prefix + "_TIMEOUT")
		if t <= 0 {
			t = timeout
		}
		return ProviderConfig{
			APIKey:         v.GetString(prefix + "_API_KEY"),
			BaseURL:        v.GetString(prefix + "_BASE_URL"),
			DefaultModel:   v.GetString(prefix + "_DEFAULT_MODEL"),
			Timeout:        t,
			RetryAttempts:  v.GetInt(prefix + "_RETRY_ATTEMPTS"),
			CircuitBreaker: v.GetBool(prefix + "_CIRCUIT_BREAKER"),
		}
	}

	// Gemini keeps the GEMINI_* option prefix but takes its credential from
	// GOOGLE_API_KEY.
	gemini := provider("GEMINI")
	gemini.APIKey = v.GetString("GOOGLE_API_KEY")

	cfg := &Config{
		Port:            v.GetInt("PORT"),
		HealthPort:      v.GetInt("HEALTH_PORT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		RouterPolicy:    strings.ToLower(v.GetString("RUNESTONE_ROUTER_POLICY")),
		DefaultProvider: strings.ToLower(v.GetString("DEFAULT_PROVIDER")),

		OpenAI:    provider("OPENAI"),
		Anthropic: provider("ANTHROPIC"),
		Gemini:    gemini,
		XAI:       provider("XAI"),
		Groq:      provider("GROQ"),
		DeepSeek:  provider("DEEPSEEK"),
		Together:  provider("TOGETHER"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			RPM:           v.GetInt("RATE_LIMIT_RPM"),
			RPH:           v.GetInt("RATE_LIMIT_RPH"),
			MaxConcurrent: v.GetInt("MAX_CONCURRENT_PER_TENANT"),
		},

		Overflow: OverflowConfig{
			DBPath:        v.GetString("OVERFLOW_DB_PATH"),
			DrainSchedule: v.GetString("OVERFLOW_DRAIN_SCHEDULE"),
			MaxAttempts:   v.GetInt("OVERFLOW_MAX_ATTEMPTS"),
			RetryBackoff:  v.GetDuration("OVERFLOW_RETRY_BACKOFF"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:     v.GetDuration("CB_TIME_WINDOW"),
			Cooldown:       v.GetDuration("CB_COOLDOWN"),
		},

		Retry: RetryConfig{
			MaxAttempts: v.GetInt("RETRY_MAX_ATTEMPTS"),
			BaseDelay:   v.GetDuration("RETRY_BASE_DELAY"),
			MaxDelay:    v.GetDuration("RETRY_MAX_DELAY"),
		},

		Stream: StreamConfig{
			IdleTimeout: v.GetDuration("STREAM_IDLE_TIMEOUT"),
			Deadline:    v.GetDuration("STREAM_DEADLINE"),
		},

		Failover: FailoverConfig{
			Strategy:        strings.ToLower(v.GetString("FAILOVER_STRATEGY")),
			MaxAttempts:     v.GetInt("FAILOVER_MAX_ATTEMPTS"),
			HealthThreshold: v.GetFloat64("FAILOVER_HEALTH_THRESHOLD"),
			ProviderTimeout: timeout,
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		SeedKey:     v.GetString("RUNESTONE_SEED_KEY"),
	}

	if err := v.UnmarshalKey("api_keys", &cfg.APIKeys); err != nil {
		return nil, fmt.Errorf("config: parse api_keys: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, XAI_API_KEY, " +
				"GROQ_API_KEY, DEEPSEEK_API_KEY, or TOGETHER_API_KEY)",
		)
	}

	switch c.RouterPolicy {
	case "default", "cost":
	default:
		return fmt.Errorf("config: invalid RUNESTONE_ROUTER_POLICY %q; must be one of: default, cost", c.RouterPolicy)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Failover.Strategy {
	case "priority", "round_robin", "health_aware", "cost_optimized", "load_balanced", "fastest_first":
	default:
		return fmt.Errorf("config: invalid FAILOVER_STRATEGY %q", c.Failover.Strategy)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.RateLimit.RPM < 1 || c.RateLimit.RPH < 1 || c.RateLimit.MaxConcurrent < 1 {
		return fmt.Errorf("config: RATE_LIMIT_RPM, RATE_LIMIT_RPH, and MAX_CONCURRENT_PER_TENANT must be ≥ 1")
	}
	if c.Overflow.MaxAttempts < 1 {
		return fmt.Errorf("config: OVERFLOW_MAX_ATTEMPTS must be ≥ 1, got %d", c.Overflow.MaxAttempts)
	}

	for i, k := range c.APIKeys {
		if !auth.ValidateKeyFormat(k.Key) {
			return fmt.Errorf("config: api_keys[%d]: key must match sk-[A-Za-z0-9_-]{7,197}", i)
		}
	}
	if c.SeedKey != "" && !auth.ValidateKeyFormat(c.SeedKey) {
		return fmt.Errorf("config: RUNESTONE_SEED_KEY must match sk-[A-Za-z0-9_-]{7,197}")
	}

	return nil
}

// AtLeastOneProviderKey reports whether any upstream provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Together.APIKey != ""
}

// DefaultLimits converts the rate-limit section into key-store limits.
func (c *Config) DefaultLimits() auth.Limits {
	return auth.Limits{
		RequestsPerMinute:  c.RateLimit.RPM,
		RequestsPerHour:    c.RateLimit.RPH,
		ConcurrentRequests: c.RateLimit.MaxConcurrent,
	}
}

// Keys converts the YAML api_keys entries (plus the seed key, when set) into
// key-store records.
func (c *Config) Keys() []*auth.APIKey {
	out := make([]*auth.APIKey, 0, len(c.APIKeys)+1)
	for _, k := range c.APIKeys {
		out = append(out, &auth.APIKey{
			Key:    k.Key,
			Name:   k.Name,
			Active: true,
			Limits: auth.Limits{
				RequestsPerMinute:  k.RPM,
				RequestsPerHour:    k.RPH,
				ConcurrentRequests: k.MaxConcurrent,
			},
			ProviderKeys:     k.ProviderKeys,
			AllowedProviders: k.AllowedProviders,
			Metadata:         k.Metadata,
		})
	}
	if c.SeedKey != "" {
		out = append(out, &auth.APIKey{Key: c.SeedKey, Name: "seed", Active: true})
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
