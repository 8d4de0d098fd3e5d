package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearProviderEnv blanks every upstream credential so tests control exactly
// which providers are configured.
func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY",
		"XAI_API_KEY", "GROQ_API_KEY", "DEEPSEEK_API_KEY", "TOGETHER_API_KEY",
		"RUNESTONE_SEED_KEY", "RUNESTONE_ROUTER_POLICY", "LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-upstream-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 4003 || cfg.HealthPort != 4004 {
		t.Errorf("ports = %d/%d, want 4003/4004", cfg.Port, cfg.HealthPort)
	}
	if cfg.LogLevel != "info" || cfg.RouterPolicy != "default" || cfg.DefaultProvider != "openai" {
		t.Errorf("unexpected base settings: %+v", cfg)
	}
	if cfg.RateLimit.RPM != 60 || cfg.RateLimit.RPH != 1000 || cfg.RateLimit.MaxConcurrent != 10 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.Overflow.DBPath != "runestone-overflow.db" || cfg.Overflow.MaxAttempts != 3 {
		t.Errorf("overflow defaults = %+v", cfg.Overflow)
	}
	if cfg.Overflow.RetryBackoff != 30*time.Second {
		t.Errorf("overflow backoff = %v, want 30s", cfg.Overflow.RetryBackoff)
	}
	if cfg.CircuitBreaker.ErrorThreshold != 5 || cfg.CircuitBreaker.TimeWindow != time.Minute {
		t.Errorf("breaker defaults = %+v", cfg.CircuitBreaker)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 30*time.Second {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Stream.IdleTimeout != 30*time.Second || cfg.Stream.Deadline != 5*time.Minute {
		t.Errorf("stream defaults = %+v", cfg.Stream)
	}
	if cfg.Failover.Strategy != "priority" || cfg.Failover.HealthThreshold != 0.5 {
		t.Errorf("failover defaults = %+v", cfg.Failover)
	}
	if cfg.Failover.ProviderTimeout != 120*time.Second {
		t.Errorf("provider timeout = %v, want 120s", cfg.Failover.ProviderTimeout)
	}
	if cfg.OpenAI.APIKey != "sk-upstream-secret" {
		t.Errorf("openai key = %q", cfg.OpenAI.APIKey)
	}
	if cfg.OpenAI.Timeout != 120*time.Second {
		t.Errorf("openai timeout = %v, want inherited 120s", cfg.OpenAI.Timeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("GROQ_API_KEY", "gsk-something")
	t.Setenv("PORT", "9000")
	t.Setenv("RATE_LIMIT_RPM", "5")
	t.Setenv("STREAM_IDLE_TIMEOUT", "10s")
	t.Setenv("DEFAULT_PROVIDER", "Groq")
	t.Setenv("OPENAI_TIMEOUT", "15s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}
	if cfg.RateLimit.RPM != 5 {
		t.Errorf("rpm = %d, want 5", cfg.RateLimit.RPM)
	}
	if cfg.Stream.IdleTimeout != 10*time.Second {
		t.Errorf("idle timeout = %v, want 10s", cfg.Stream.IdleTimeout)
	}
	if cfg.DefaultProvider != "groq" {
		t.Errorf("default provider = %q, want lowercased groq", cfg.DefaultProvider)
	}
	if cfg.OpenAI.Timeout != 15*time.Second {
		t.Errorf("openai timeout = %v, want per-provider 15s", cfg.OpenAI.Timeout)
	}
}

func TestLoad_PerProviderOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-upstream")
	t.Setenv("GROQ_API_KEY", "gsk-something")
	t.Setenv("GROQ_RETRY_ATTEMPTS", "5")
	t.Setenv("GROQ_CIRCUIT_BREAKER", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Groq.RetryAttempts != 5 {
		t.Errorf("groq retry attempts = %d, want 5", cfg.Groq.RetryAttempts)
	}
	if cfg.Groq.CircuitBreaker {
		t.Error("groq breaker should be disabled")
	}
	if !cfg.OpenAI.CircuitBreaker {
		t.Error("openai breaker should default to enabled")
	}
	if cfg.OpenAI.RetryAttempts != 0 {
		t.Errorf("openai retry attempts = %d, want 0 (use global)", cfg.OpenAI.RetryAttempts)
	}
}

func TestLoad_GeminiUsesGoogleKey(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("GOOGLE_API_KEY", "AIza-something")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gemini.APIKey != "AIza-something" {
		t.Errorf("gemini key = %q, want value of GOOGLE_API_KEY", cfg.Gemini.APIKey)
	}
}

func TestLoad_RequiresProviderKey(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error with no provider keys")
	}
	if !strings.Contains(err.Error(), "at least one provider API key") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidRouterPolicy(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-upstream")
	t.Setenv("RUNESTONE_ROUTER_POLICY", "cheapest")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RUNESTONE_ROUTER_POLICY") {
		t.Errorf("expected policy error, got %v", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-upstream")
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Errorf("expected log level error, got %v", err)
	}
}

func TestLoad_InvalidFailoverStrategy(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-upstream")
	t.Setenv("FAILOVER_STRATEGY", "random")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "FAILOVER_STRATEGY") {
		t.Errorf("expected strategy error, got %v", err)
	}
}

func TestLoad_InvalidCircuitBreakerThreshold(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-upstream")
	t.Setenv("CB_ERROR_THRESHOLD", "0")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CB_ERROR_THRESHOLD") {
		t.Errorf("expected threshold error, got %v", err)
	}
}

func TestLoad_InvalidSeedKey(t *testing.T) {
	t.Chdir(t.TempDir())
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-upstream")
	t.Setenv("RUNESTONE_SEED_KEY", "not-a-gateway-key")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RUNESTONE_SEED_KEY") {
		t.Errorf("expected seed key error, got %v", err)
	}
}

func TestLoad_APIKeysFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
openai_api_key: sk-upstream-from-yaml
api_keys:
  - key: sk-tenant-alpha-1
    name: alpha
    rpm: 120
    rph: 5000
    max_concurrent: 20
    allowed_providers: [openai, anthropic]
    provider_keys:
      openai: sk-alpha-own-key
  - key: sk-tenant-beta-2
    name: beta
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	clearProviderEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-upstream-from-yaml" {
		t.Errorf("openai key = %q, want YAML value", cfg.OpenAI.APIKey)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("api_keys = %d entries, want 2", len(cfg.APIKeys))
	}

	alpha := cfg.APIKeys[0]
	if alpha.Key != "sk-tenant-alpha-1" || alpha.Name != "alpha" {
		t.Errorf("alpha = %+v", alpha)
	}
	if alpha.RPM != 120 || alpha.RPH != 5000 || alpha.MaxConcurrent != 20 {
		t.Errorf("alpha limits = %+v", alpha)
	}
	if len(alpha.AllowedProviders) != 2 || alpha.ProviderKeys["openai"] != "sk-alpha-own-key" {
		t.Errorf("alpha provider settings = %+v", alpha)
	}

	keys := cfg.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() = %d, want 2", len(keys))
	}
	if !keys[0].Active || keys[0].Limits.RequestsPerMinute != 120 {
		t.Errorf("key record = %+v", keys[0])
	}
	// Beta has no explicit limits; zeros fall back to gateway defaults at
	// admission time.
	if keys[1].Limits.RequestsPerMinute != 0 {
		t.Errorf("beta rpm = %d, want 0 (defer to defaults)", keys[1].Limits.RequestsPerMinute)
	}
}

func TestLoad_RejectsMalformedYAMLKey(t *testing.T) {
	dir := t.TempDir()
	yaml := `
openai_api_key: sk-upstream
api_keys:
  - key: "has spaces in it"
    name: broken
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	clearProviderEnv(t)

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "api_keys[0]") {
		t.Errorf("expected key format error, got %v", err)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	env := "TOGETHER_API_KEY=sk-from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	for _, name := range []string{
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY",
		"XAI_API_KEY", "GROQ_API_KEY", "DEEPSEEK_API_KEY",
	} {
		t.Setenv(name, "")
	}
	// gotenv only sets variables absent from the environment, so this one must
	// be truly unset going in and cleaned up after.
	os.Unsetenv("TOGETHER_API_KEY")
	t.Cleanup(func() { os.Unsetenv("TOGETHER_API_KEY") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Together.APIKey != "sk-from-dotenv" {
		t.Errorf("together key = %q, want value from .env", cfg.Together.APIKey)
	}
}

func TestConfig_DefaultLimits(t *testing.T) {
	cfg := &Config{RateLimit: RateLimitConfig{RPM: 10, RPH: 100, MaxConcurrent: 3}}
	l := cfg.DefaultLimits()
	if l.RequestsPerMinute != 10 || l.RequestsPerHour != 100 || l.ConcurrentRequests != 3 {
		t.Errorf("limits = %+v", l)
	}
}

func TestConfig_KeysIncludesSeed(t *testing.T) {
	cfg := &Config{SeedKey: "sk-seed-key-123"}
	keys := cfg.Keys()
	if len(keys) != 1 {
		t.Fatalf("Keys() = %d, want 1", len(keys))
	}
	if keys[0].Key != "sk-seed-key-123" || keys[0].Name != "seed" || !keys[0].Active {
		t.Errorf("seed record = %+v", keys[0])
	}
}
