// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only one provider API key is strictly required for the gateway to start.
// Redis is optional — without REDIS_URL the rate limiter and overflow queue
// run in-process, which is fine for a single replica.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the proxy listens on. Default: 8080.
	Port int

	// HealthPort is the separate, unauthenticated health listener.
	// Default: 8081.
	HealthPort int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// RouterPolicy selects candidate ordering: default, health, or cost.
	RouterPolicy string

	// HealthThreshold is τ — instances scoring below it are skipped when an
	// alternative exists. Default: 0.3.
	HealthThreshold float64

	// APIKeys is the provisioned key set, parsed from RUNESTONE_API_KEYS
	// ("id=token" entries, comma separated; bare tokens get generated ids).
	APIKeys []APIKeyEntry

	// Per-key budgets applied to every provisioned key.
	RequestsPerMinute      int
	RequestsPerHour        int
	MaxConcurrentPerTenant int

	// First-party providers.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// OpenAI-compatible providers. A base URL is mandatory for these.
	XAI      ProviderConfig
	DeepSeek ProviderConfig
	Groq     ProviderConfig
	Together ProviderConfig
	Mistral  ProviderConfig

	CircuitBreaker CircuitBreakerConfig
	Retry          RetryConfig
	Overflow       OverflowConfig

	// Redis holds the connection URL for the distributed rate limiter and
	// the overflow queue. Optional.
	Redis RedisConfig

	// ClickHouseDSN enables the batched request-log sink when set.
	ClickHouseDSN string

	// AliasesFile is the path to the YAML model-alias table. Optional; the
	// file hot-reloads while the gateway runs.
	AliasesFile string

	// CORSOrigins is the comma-separated allowed-origin list from
	// CORS_ORIGINS. Empty means allow all.
	CORSOrigins []string

	// Request deadlines.
	TotalTimeout     time.Duration
	FirstByteTimeout time.Duration
}

// APIKeyEntry is one provisioned API key.
type APIKeyEntry struct {
	ID    string
	Token string
}

// ProviderConfig holds configuration for a single upstream provider instance.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint. Required for
	// OpenAI-compatible vendors, optional elsewhere.
	BaseURL string

	// Timeout is the per-request upstream timeout. Default: 30s.
	Timeout time.Duration

	// RetryAttempts bounds same-instance retries. Default: 3.
	RetryAttempts int

	// CircuitBreaker disables the breaker for this instance when false.
	// Default: true.
	CircuitBreaker bool
}

// CircuitBreakerConfig controls per-instance circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of upstream faults within Window that
	// trip the breaker. Default: 5.
	FailureThreshold int

	// Window is the rolling window over which faults are counted.
	// Default: 60s.
	Window time.Duration

	// RecoveryTimeout is how long the breaker stays open before allowing
	// probes. Default: 30s.
	RecoveryTimeout time.Duration

	// HalfOpenLimit bounds concurrent probes while half-open. Default: 1.
	HalfOpenLimit int
}

// RetryConfig controls backoff between attempts.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per instance
	// (including the first). Default: 3.
	MaxAttempts int

	// BaseDelay is the first backoff delay. Default: 200ms.
	BaseDelay time.Duration

	// BackoffFactor is the exponential growth factor. Default: 2.0.
	BackoffFactor float64

	// Jitter is the uniform jitter fraction in [0, 1). Default: 0.2.
	Jitter float64
}

// OverflowConfig controls the rate-limit overflow queue.
type OverflowConfig struct {
	// Enabled turns queue diversion on. Default: true.
	Enabled bool

	// MaxAttempts is the drain attempt budget per job. Default: 3.
	MaxAttempts int

	// RedactBudget is the per-message byte budget applied before a queued
	// request is persisted. Default: 4096.
	RedactBudget int

	// PollInterval is the drainer's idle poll period. Default: 500ms.
	PollInterval time.Duration

	// Parallelism bounds concurrent drain workers. Default: 4.
	Parallelism int
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
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
	v.SetDefault("PORT", 8080)
	v.SetDefault("HEALTH_PORT", 8081)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("RUNESTONE_ROUTER_POLICY", "default")
	v.SetDefault("ROUTER_HEALTH_THRESHOLD", 0.3)

	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("RATE_LIMIT_PER_HOUR", 1000)
	v.SetDefault("MAX_CONCURRENT_PER_TENANT", 10)

	v.SetDefault("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_BREAKER_WINDOW_MS", 60_000)
	v.SetDefault("CIRCUIT_BREAKER_RECOVERY_TIMEOUT_MS", 30_000)
	v.SetDefault("CIRCUIT_BREAKER_HALF_OPEN_LIMIT", 1)

	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY_MS", 200)
	v.SetDefault("RETRY_BACKOFF_FACTOR", 2.0)
	v.SetDefault("RETRY_JITTER", 0.2)

	v.SetDefault("OVERFLOW_ENABLED", true)
	v.SetDefault("OVERFLOW_MAX_ATTEMPTS", 3)
	v.SetDefault("OVERFLOW_REDACT_BUDGET", 4096)
	v.SetDefault("OVERFLOW_POLL_INTERVAL_MS", 500)
	v.SetDefault("OVERFLOW_PARALLELISM", 4)

	v.SetDefault("TOTAL_TIMEOUT_MS", 120_000)
	v.SetDefault("FIRST_BYTE_TIMEOUT_MS", 30_000)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:       v.GetInt("PORT"),
		HealthPort: v.GetInt("HEALTH_PORT"),
		LogLevel:   strings.ToLower(v.GetString("LOG_LEVEL")),

		RouterPolicy:    strings.ToLower(v.GetString("RUNESTONE_ROUTER_POLICY")),
		HealthThreshold: v.GetFloat64("ROUTER_HEALTH_THRESHOLD"),

		APIKeys: parseAPIKeys(v.GetString("RUNESTONE_API_KEYS")),

		RequestsPerMinute:      v.GetInt("RATE_LIMIT_PER_MINUTE"),
		RequestsPerHour:        v.GetInt("RATE_LIMIT_PER_HOUR"),
		MaxConcurrentPerTenant: v.GetInt("MAX_CONCURRENT_PER_TENANT"),

		OpenAI:    providerFromEnv(v, "OPENAI"),
		Anthropic: providerFromEnv(v, "ANTHROPIC"),
		Gemini:    providerFromEnv(v, "GEMINI"),

		XAI:      providerFromEnv(v, "XAI"),
		DeepSeek: providerFromEnv(v, "DEEPSEEK"),
		Groq:     providerFromEnv(v, "GROQ"),
		Together: providerFromEnv(v, "TOGETHER"),
		Mistral:  providerFromEnv(v, "MISTRAL"),

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD"),
			Window:           time.Duration(v.GetInt("CIRCUIT_BREAKER_WINDOW_MS")) * time.Millisecond,
			RecoveryTimeout:  time.Duration(v.GetInt("CIRCUIT_BREAKER_RECOVERY_TIMEOUT_MS")) * time.Millisecond,
			HalfOpenLimit:    v.GetInt("CIRCUIT_BREAKER_HALF_OPEN_LIMIT"),
		},

		Retry: RetryConfig{
			MaxAttempts:   v.GetInt("RETRY_MAX_ATTEMPTS"),
			BaseDelay:     time.Duration(v.GetInt("RETRY_BASE_DELAY_MS")) * time.Millisecond,
			BackoffFactor: v.GetFloat64("RETRY_BACKOFF_FACTOR"),
			Jitter:        v.GetFloat64("RETRY_JITTER"),
		},

		Overflow: OverflowConfig{
			Enabled:      v.GetBool("OVERFLOW_ENABLED"),
			MaxAttempts:  v.GetInt("OVERFLOW_MAX_ATTEMPTS"),
			RedactBudget: v.GetInt("OVERFLOW_REDACT_BUDGET"),
			PollInterval: time.Duration(v.GetInt("OVERFLOW_POLL_INTERVAL_MS")) * time.Millisecond,
			Parallelism:  v.GetInt("OVERFLOW_PARALLELISM"),
		},

		Redis:         RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		AliasesFile:   v.GetString("ALIASES_FILE"),
		CORSOrigins:   splitList(v.GetString("CORS_ORIGINS")),

		TotalTimeout:     time.Duration(v.GetInt("TOTAL_TIMEOUT_MS")) * time.Millisecond,
		FirstByteTimeout: time.Duration(v.GetInt("FIRST_BYTE_TIMEOUT_MS")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// providerFromEnv reads the per-vendor variable family: <PREFIX>_API_KEY,
// <PREFIX>_BASE_URL, <PREFIX>_TIMEOUT_MS, <PREFIX>_RETRY_ATTEMPTS and
// <PREFIX>_CIRCUIT_BREAKER.
func providerFromEnv(v *viper.Viper, prefix string) ProviderConfig {
	v.SetDefault(prefix+"_TIMEOUT_MS", 30_000)
	v.SetDefault(prefix+"_RETRY_ATTEMPTS", 3)
	v.SetDefault(prefix+"_CIRCUIT_BREAKER", true)

	return ProviderConfig{
		APIKey:         v.GetString(prefix + "_API_KEY"),
		BaseURL:        v.GetString(prefix + "_BASE_URL"),
		Timeout:        time.Duration(v.GetInt(prefix+"_TIMEOUT_MS")) * time.Millisecond,
		RetryAttempts:  v.GetInt(prefix + "_RETRY_ATTEMPTS"),
		CircuitBreaker: v.GetBool(prefix + "_CIRCUIT_BREAKER"),
	}
}

// parseAPIKeys parses the comma-separated RUNESTONE_API_KEYS value. Each entry
// is "id=token" or a bare token, which gets a positional id.
func parseAPIKeys(raw string) []APIKeyEntry {
	if raw == "" {
		return nil
	}
	var out []APIKeyEntry
	for i, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if id, token, ok := strings.Cut(entry, "="); ok {
			out = append(out, APIKeyEntry{ID: strings.TrimSpace(id), Token: strings.TrimSpace(token)})
			continue
		}
		out = append(out, APIKeyEntry{ID: fmt.Sprintf("key-%d", i+1), Token: entry})
	}
	return out
}

// splitList parses a comma-separated value into trimmed non-empty entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// validate checks the semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, XAI_API_KEY, " +
				"DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, or MISTRAL_API_KEY)",
		)
	}

	switch c.RouterPolicy {
	case "default", "health", "cost":
	default:
		return fmt.Errorf(
			"config: invalid RUNESTONE_ROUTER_POLICY %q; must be one of: default, health, cost",
			c.RouterPolicy,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.HealthThreshold <= 0 || c.HealthThreshold >= 1 {
		return fmt.Errorf("config: ROUTER_HEALTH_THRESHOLD must be in (0, 1), got %g", c.HealthThreshold)
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_RECOVERY_TIMEOUT_MS must be a positive duration")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("config: RETRY_JITTER must be in [0, 1), got %g", c.Retry.Jitter)
	}
	if c.MaxConcurrentPerTenant < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_PER_TENANT must be ≥ 1, got %d", c.MaxConcurrentPerTenant)
	}
	if c.Port == c.HealthPort {
		return fmt.Errorf("config: PORT and HEALTH_PORT must differ, both are %d", c.Port)
	}

	for _, pc := range []struct {
		name string
		cfg  ProviderConfig
	}{
		{"XAI", c.XAI}, {"DEEPSEEK", c.DeepSeek}, {"GROQ", c.Groq},
		{"TOGETHER", c.Together}, {"MISTRAL", c.Mistral},
	} {
		if pc.cfg.APIKey != "" && pc.cfg.BaseURL == "" {
			return fmt.Errorf("config: %s_BASE_URL is required when %s_API_KEY is set", pc.name, pc.name)
		}
	}

	return nil
}

// AtLeastOneProviderKey reports whether any provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Mistral.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
