// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Exactly one LLM provider must be selected via LLM_PROVIDER — the relay does
// not fall back between providers at runtime. Redis and ClickHouse are
// optional: set KEYSTORE_MODE=memory and CHATLOG_MODE=memory for a
// zero-dependency development setup.
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
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider selects the single active upstream. One of: azure, openai,
	// anthropic, gemini. Required; there is no fallback.
	Provider string

	// Azure OpenAI.
	Azure AzureConfig

	// SDK-backed providers.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Redis holds the connection URL for the key store and rate limiter.
	// Required only when KeystoreMode is "redis".
	Redis RedisConfig

	// Keystore controls where API key records are looked up.
	Keystore KeystoreConfig

	// ChatLog controls where conversation turns are persisted.
	ChatLog ChatLogConfig

	// AuthCache controls the in-process API key cache.
	AuthCache AuthCacheConfig

	// RateLimit controls per-key request-rate limiting.
	RateLimit RateLimitConfig
}

// ProviderConfig holds configuration for a single SDK-backed provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Model overrides the provider's default model name.
	Model string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com".
	Endpoint string
	// APIKey is the Azure OpenAI resource key.
	APIKey string
	// Deployment is the deployment name the relay fronts.
	Deployment string
	// APIVersion is the API version string, e.g. "2024-12-01-preview".
	APIVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// KeystoreConfig controls the API key store backend.
type KeystoreConfig struct {
	// Mode selects the backend:
	//   "redis"  — Redis hashes (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process store seeded from API_KEYS. Development and tests.
	// Default: "redis".
	Mode string

	// Seed is the API_KEYS value parsed in memory mode:
	// comma-separated "key:id:name" entries.
	Seed []string
}

// ChatLogConfig controls the conversation log backend.
type ChatLogConfig struct {
	// Mode selects the backend:
	//   "clickhouse" — durable append-only store. Recommended for production.
	//   "memory"     — in-process store, lost on restart.
	// Default: "clickhouse".
	Mode string

	// Addr is the ClickHouse native-protocol address, e.g. "localhost:9000".
	Addr string

	// Database is the ClickHouse database name. Default: "default".
	Database string

	// Username and Password authenticate against ClickHouse.
	Username string
	Password string
}

// AuthCacheConfig controls the in-process API key cache.
type AuthCacheConfig struct {
	// TTL is how long a validated key is served from memory. Default: 60s.
	TTL time.Duration

	// MaxEntries caps the number of cached identities. Default: 1000.
	MaxEntries int
}

// RateLimitConfig controls per-key request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum chat requests per minute per API key.
	// 0 disables rate limiting. Default: 10.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// LLM_PROVIDER must name a configured provider.
// REDIS_URL is required when KEYSTORE_MODE=redis or RPM_LIMIT > 0.
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
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("AZURE_OPENAI_API_VERSION", "2024-12-01-preview")

	v.SetDefault("KEYSTORE_MODE", "redis")
	v.SetDefault("CHATLOG_MODE", "clickhouse")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	v.SetDefault("AUTH_CACHE_TTL", "60s")
	v.SetDefault("AUTH_CACHE_SIZE", 1000)

	v.SetDefault("RPM_LIMIT", 10)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Provider: strings.ToLower(v.GetString("LLM_PROVIDER")),

		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			Deployment: v.GetString("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL"), Model: v.GetString("OPENAI_MODEL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL"), Model: v.GetString("ANTHROPIC_MODEL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL"), Model: v.GetString("GEMINI_MODEL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Keystore: KeystoreConfig{
			Mode: strings.ToLower(v.GetString("KEYSTORE_MODE")),
			Seed: splitNonEmpty(v.GetString("API_KEYS")),
		},

		ChatLog: ChatLogConfig{
			Mode:     strings.ToLower(v.GetString("CHATLOG_MODE")),
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USER"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		AuthCache: AuthCacheConfig{
			TTL:        v.GetDuration("AUTH_CACHE_TTL"),
			MaxEntries: v.GetInt("AUTH_CACHE_SIZE"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Provider {
	case "azure", "openai", "anthropic", "gemini":
	case "":
		return fmt.Errorf(
			"config: LLM_PROVIDER is required; must be one of: azure, openai, anthropic, gemini",
		)
	default:
		return fmt.Errorf(
			"config: invalid LLM_PROVIDER %q; must be one of: azure, openai, anthropic, gemini",
			c.Provider,
		)
	}

	switch c.Keystore.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid KEYSTORE_MODE %q; must be one of: redis, memory",
			c.Keystore.Mode,
		)
	}
	if c.Keystore.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when KEYSTORE_MODE=redis; " +
				"set KEYSTORE_MODE=memory and API_KEYS for a local setup",
		)
	}
	if c.Keystore.Mode == "memory" && len(c.Keystore.Seed) == 0 {
		return fmt.Errorf(
			"config: API_KEYS is required when KEYSTORE_MODE=memory " +
				`(comma-separated "key:id:name" entries)`,
		)
	}

	switch c.ChatLog.Mode {
	case "clickhouse", "memory":
	default:
		return fmt.Errorf(
			"config: invalid CHATLOG_MODE %q; must be one of: clickhouse, memory",
			c.ChatLog.Mode,
		)
	}
	if c.ChatLog.Mode == "clickhouse" && c.ChatLog.Addr == "" {
		return fmt.Errorf(
			"config: CLICKHOUSE_ADDR is required when CHATLOG_MODE=clickhouse; " +
				"set CHATLOG_MODE=memory for a local setup",
		)
	}

	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when RPM_LIMIT > 0; set RPM_LIMIT=0 to disable rate limiting",
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

	if c.AuthCache.TTL <= 0 {
		return fmt.Errorf("config: AUTH_CACHE_TTL must be a positive duration")
	}
	if c.AuthCache.MaxEntries < 1 {
		return fmt.Errorf("config: AUTH_CACHE_SIZE must be ≥ 1, got %d", c.AuthCache.MaxEntries)
	}

	return c.validateProvider()
}

// validateProvider checks that the selected provider has its credentials set.
func (c *Config) validateProvider() error {
	switch c.Provider {
	case "azure":
		if c.Azure.Endpoint == "" || c.Azure.APIKey == "" || c.Azure.Deployment == "" {
			return fmt.Errorf(
				"config: LLM_PROVIDER=azure requires AZURE_OPENAI_ENDPOINT, " +
					"AZURE_OPENAI_API_KEY, and AZURE_OPENAI_DEPLOYMENT",
			)
		}
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("config: LLM_PROVIDER=openai requires OPENAI_API_KEY")
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("config: LLM_PROVIDER=anthropic requires ANTHROPIC_API_KEY")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("config: LLM_PROVIDER=gemini requires GOOGLE_API_KEY")
		}
	}
	return nil
}

// splitNonEmpty splits a comma-separated value, dropping empty entries.
func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
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
