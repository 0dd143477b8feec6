// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
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

// ProviderNames lists the API-key providers in their default priority order.
var ProviderNames = []string{"openai", "anthropic", "gemini", "mistral", "xai", "deepseek", "groq"}

// Config is the top-level configuration container.
type Config struct {
	// AdminPort is the TCP port of the management server. Default: 8081.
	AdminPort int

	// LogLevel is one of: debug, info, warn, error. Default: info.
	LogLevel string

	// Providers holds the API-key providers keyed by name (see ProviderNames).
	Providers map[string]ProviderConfig

	// VertexAI uses Application Default Credentials instead of an API key.
	VertexAI VertexAIConfig

	Bedrock BedrockConfig

	// Redis backs the L2 tier and the per-provider RPM limiter. An empty URL
	// disables both.
	Redis RedisConfig

	Cache    CacheConfig
	Semantic SemanticConfig
	Cold     ColdConfig

	CircuitBreaker CircuitBreakerConfig
	Retry          RetryConfig

	// ProviderTimeout bounds the wait for upstream response headers. Default: 30s.
	ProviderTimeout time.Duration

	// ServeDegraded returns a canned degraded response instead of an error
	// when every provider failed. Default: false.
	ServeDegraded bool
}

// ProviderConfig holds configuration for a single API-key provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string
	// BaseURL overrides the provider's default API endpoint.
	BaseURL string
	// Priority overrides the provider's default chain position; 0 keeps it.
	Priority int
	// Enabled can switch a configured provider off. Default: true.
	Enabled bool
	// DefaultModel is used when a foreign model has no mapped equivalent.
	DefaultModel string
	// MaxRPM is the per-minute request budget; 0 is unlimited.
	MaxRPM int
}

// Configured reports whether the provider should be registered.
func (p ProviderConfig) Configured() bool { return p.Enabled && p.APIKey != "" }

// VertexAIConfig holds Google Vertex AI configuration.
type VertexAIConfig struct {
	Project  string
	Location string
	Priority int
	Enabled  bool
	MaxRPM   int
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Region       string
	// EndpointURL overrides the Bedrock runtime endpoint.
	EndpointURL  string
	Priority     int
	Enabled      bool
	DefaultModel string
	MaxRPM       int
}

// Configured reports whether Bedrock has enough to sign requests.
func (b BedrockConfig) Configured() bool {
	return b.Enabled && b.AccessKey != "" && b.SecretKey != "" && b.Region != ""
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the L1 and L2 tiers and cache exclusions.
type CacheConfig struct {
	L1Size    int
	L1TTL     time.Duration
	L2TTL     time.Duration
	L2Timeout time.Duration

	// ExcludeExact lists model names that are never cached.
	ExcludeExact []string
	// ExcludePatterns lists Go regular expressions matched against model
	// names. Entries are comma separated in the environment.
	ExcludePatterns []string
}

// SemanticConfig controls the L3 tier and its embedder.
type SemanticConfig struct {
	Enabled   bool
	DSN       string
	Threshold float64
	Timeout   time.Duration

	// Dimension is the embedding vector length.
	Dimension int
	// Backend is "hash" (local, deterministic) or "openai".
	Backend string
	// Model is the embeddings model used by the openai backend.
	Model string
}

// ColdConfig controls the L4 object storage tier.
type ColdConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
	CleanupInterval time.Duration
	Timeout         time.Duration
}

// CircuitBreakerConfig controls the per-provider sliding-window breaker.
type CircuitBreakerConfig struct {
	WindowSize int
	MinCalls   int
	// FailureRate and SlowCallRate are percentages in (0, 100].
	FailureRate      float64
	SlowCallRate     float64
	SlowCallDuration time.Duration
	WaitDuration     time.Duration
	HalfOpenCalls    int
}

// RetryConfig controls retries of transient provider failures.
type RetryConfig struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int
	Delay       time.Duration
	// Multiplier of 1 keeps a fixed delay; above 1 backs off exponentially.
	Multiplier float64
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := build(v)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ADMIN_PORT", 8081)
	v.SetDefault("LOG_LEVEL", "info")

	for _, name := range ProviderNames {
		v.SetDefault(envName(name, "ENABLED"), true)
		v.SetDefault(envName(name, "PRIORITY"), 0)
		v.SetDefault(envName(name, "MAX_RPM"), 0)
	}
	v.SetDefault("VERTEX_LOCATION", "us-central1")
	v.SetDefault("VERTEX_ENABLED", true)
	v.SetDefault("BEDROCK_ENABLED", true)
	v.SetDefault("BEDROCK_REGION", "us-east-1")

	v.SetDefault("CACHE_L1_SIZE", 1000)
	v.SetDefault("CACHE_L1_TTL", "5m")
	v.SetDefault("CACHE_L2_TTL", "24h")
	v.SetDefault("CACHE_L2_TIMEOUT", "500ms")

	v.SetDefault("SEMANTIC_ENABLED", false)
	v.SetDefault("SEMANTIC_THRESHOLD", 0.95)
	v.SetDefault("SEMANTIC_TIMEOUT", "2s")
	v.SetDefault("EMBEDDING_DIMENSION", 384)
	v.SetDefault("EMBEDDING_BACKEND", "hash")
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")

	v.SetDefault("COLD_ENABLED", false)
	v.SetDefault("COLD_PATH_STYLE", false)
	v.SetDefault("COLD_RETENTION_DAYS", 90)
	v.SetDefault("COLD_CLEANUP_INTERVAL", "24h")
	v.SetDefault("COLD_TIMEOUT", "5s")

	v.SetDefault("CB_WINDOW_SIZE", 10)
	v.SetDefault("CB_MIN_CALLS", 5)
	v.SetDefault("CB_FAILURE_RATE", 50)
	v.SetDefault("CB_SLOW_CALL_RATE", 50)
	v.SetDefault("CB_SLOW_CALL_DURATION", "10s")
	v.SetDefault("CB_WAIT_DURATION", "10s")
	v.SetDefault("CB_HALF_OPEN_CALLS", 3)

	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_DELAY", "500ms")
	v.SetDefault("RETRY_MULTIPLIER", 1)

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("SERVE_DEGRADED", false)
}

func build(v *viper.Viper) *Config {
	cfg := &Config{
		AdminPort: v.GetInt("ADMIN_PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		Providers: make(map[string]ProviderConfig, len(ProviderNames)),

		VertexAI: VertexAIConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
			Priority: v.GetInt("VERTEX_PRIORITY"),
			Enabled:  v.GetBool("VERTEX_ENABLED"),
			MaxRPM:   v.GetInt("VERTEX_MAX_RPM"),
		},

		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("BEDROCK_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("BEDROCK_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("BEDROCK_SESSION_TOKEN"),
			Region:       v.GetString("BEDROCK_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
			Priority:     v.GetInt("BEDROCK_PRIORITY"),
			Enabled:      v.GetBool("BEDROCK_ENABLED"),
			DefaultModel: v.GetString("BEDROCK_DEFAULT_MODEL"),
			MaxRPM:       v.GetInt("BEDROCK_MAX_RPM"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			L1Size:          v.GetInt("CACHE_L1_SIZE"),
			L1TTL:           v.GetDuration("CACHE_L1_TTL"),
			L2TTL:           v.GetDuration("CACHE_L2_TTL"),
			L2Timeout:       v.GetDuration("CACHE_L2_TIMEOUT"),
			ExcludeExact:    splitList(v.GetString("CACHE_EXCLUDE_EXACT")),
			ExcludePatterns: splitList(v.GetString("CACHE_EXCLUDE_PATTERNS")),
		},

		Semantic: SemanticConfig{
			Enabled:   v.GetBool("SEMANTIC_ENABLED"),
			DSN:       v.GetString("SEMANTIC_DSN"),
			Threshold: v.GetFloat64("SEMANTIC_THRESHOLD"),
			Timeout:   v.GetDuration("SEMANTIC_TIMEOUT"),
			Dimension: v.GetInt("EMBEDDING_DIMENSION"),
			Backend:   strings.ToLower(v.GetString("EMBEDDING_BACKEND")),
			Model:     v.GetString("EMBEDDING_MODEL"),
		},

		Cold: ColdConfig{
			Enabled:         v.GetBool("COLD_ENABLED"),
			Bucket:          v.GetString("COLD_BUCKET"),
			Region:          v.GetString("COLD_REGION"),
			Endpoint:        v.GetString("COLD_ENDPOINT"),
			PathStyle:       v.GetBool("COLD_PATH_STYLE"),
			AccessKeyID:     v.GetString("COLD_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("COLD_SECRET_ACCESS_KEY"),
			RetentionDays:   v.GetInt("COLD_RETENTION_DAYS"),
			CleanupInterval: v.GetDuration("COLD_CLEANUP_INTERVAL"),
			Timeout:         v.GetDuration("COLD_TIMEOUT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			WindowSize:       v.GetInt("CB_WINDOW_SIZE"),
			MinCalls:         v.GetInt("CB_MIN_CALLS"),
			FailureRate:      v.GetFloat64("CB_FAILURE_RATE"),
			SlowCallRate:     v.GetFloat64("CB_SLOW_CALL_RATE"),
			SlowCallDuration: v.GetDuration("CB_SLOW_CALL_DURATION"),
			WaitDuration:     v.GetDuration("CB_WAIT_DURATION"),
			HalfOpenCalls:    v.GetInt("CB_HALF_OPEN_CALLS"),
		},

		Retry: RetryConfig{
			MaxAttempts: v.GetInt("RETRY_MAX_ATTEMPTS"),
			Delay:       v.GetDuration("RETRY_DELAY"),
			Multiplier:  v.GetFloat64("RETRY_MULTIPLIER"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		ServeDegraded:   v.GetBool("SERVE_DEGRADED"),
	}

	for _, name := range ProviderNames {
		pc := ProviderConfig{
			APIKey:       v.GetString(envName(name, "API_KEY")),
			BaseURL:      v.GetString(envName(name, "BASE_URL")),
			Priority:     v.GetInt(envName(name, "PRIORITY")),
			Enabled:      v.GetBool(envName(name, "ENABLED")),
			DefaultModel: v.GetString(envName(name, "DEFAULT_MODEL")),
			MaxRPM:       v.GetInt(envName(name, "MAX_RPM")),
		}
		// GOOGLE_API_KEY is the SDK's conventional name.
		if name == "gemini" && pc.APIKey == "" {
			pc.APIKey = v.GetString("GOOGLE_API_KEY")
		}
		cfg.Providers[name] = pc
	}

	return cfg
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProvider() {
		return fmt.Errorf(
			"config: at least one provider is required (%s, VERTEX_PROJECT, or BEDROCK_ACCESS_KEY_ID with BEDROCK_SECRET_ACCESS_KEY)",
			strings.Join(apiKeyVars(), ", "),
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		return fmt.Errorf("config: ADMIN_PORT must be in 1..65535, got %d", c.AdminPort)
	}
	if c.Cache.L1Size < 1 {
		return fmt.Errorf("config: CACHE_L1_SIZE must be >= 1, got %d", c.Cache.L1Size)
	}
	if c.Cache.L1TTL <= 0 || c.Cache.L2TTL <= 0 {
		return errors.New("config: CACHE_L1_TTL and CACHE_L2_TTL must be positive durations")
	}

	if c.Semantic.Enabled {
		if c.Semantic.DSN == "" {
			return errors.New("config: SEMANTIC_DSN is required when SEMANTIC_ENABLED=true")
		}
		if c.Semantic.Threshold <= 0 || c.Semantic.Threshold > 1 {
			return fmt.Errorf("config: SEMANTIC_THRESHOLD must be in (0, 1], got %v", c.Semantic.Threshold)
		}
		if c.Semantic.Dimension < 1 {
			return fmt.Errorf("config: EMBEDDING_DIMENSION must be >= 1, got %d", c.Semantic.Dimension)
		}
		switch c.Semantic.Backend {
		case "hash":
		case "openai":
			if !c.Providers["openai"].Configured() {
				return errors.New("config: EMBEDDING_BACKEND=openai requires OPENAI_API_KEY")
			}
		default:
			return fmt.Errorf("config: invalid EMBEDDING_BACKEND %q; must be one of: hash, openai", c.Semantic.Backend)
		}
	}

	if c.Cold.Enabled {
		if c.Cold.Bucket == "" {
			return errors.New("config: COLD_BUCKET is required when COLD_ENABLED=true")
		}
		if c.Cold.RetentionDays < 1 {
			return fmt.Errorf("config: COLD_RETENTION_DAYS must be >= 1, got %d", c.Cold.RetentionDays)
		}
		if c.Cold.CleanupInterval <= 0 {
			return errors.New("config: COLD_CLEANUP_INTERVAL must be a positive duration")
		}
	}

	cb := c.CircuitBreaker
	if cb.WindowSize < 1 || cb.MinCalls < 1 || cb.HalfOpenCalls < 1 {
		return errors.New("config: CB_WINDOW_SIZE, CB_MIN_CALLS and CB_HALF_OPEN_CALLS must be >= 1")
	}
	if cb.FailureRate <= 0 || cb.FailureRate > 100 || cb.SlowCallRate <= 0 || cb.SlowCallRate > 100 {
		return errors.New("config: CB_FAILURE_RATE and CB_SLOW_CALL_RATE must be in (0, 100]")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config: RETRY_MULTIPLIER must be >= 1, got %v", c.Retry.Multiplier)
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	return nil
}

// AtLeastOneProvider reports whether any provider has credentials.
func (c *Config) AtLeastOneProvider() bool {
	for _, pc := range c.Providers {
		if pc.Configured() {
			return true
		}
	}
	return (c.VertexAI.Enabled && c.VertexAI.Project != "") || c.Bedrock.Configured()
}

func envName(provider, suffix string) string {
	return strings.ToUpper(provider) + "_" + suffix
}

func apiKeyVars() []string {
	out := make([]string, len(ProviderNames))
	for i, n := range ProviderNames {
		out[i] = envName(n, "API_KEY")
	}
	return out
}

// splitList splits a comma separated value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
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
