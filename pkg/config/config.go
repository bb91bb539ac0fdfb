// Package config loads service configuration from environment variables and
// YAML side files (model table, API-key table).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration, resolved once at startup and
// passed to constructors. No component reads the environment after this.
type Config struct {
	// Discord
	DiscordToken string

	// LLM provider
	LLMAPIKey       string
	LLMBaseURL      string // empty = provider default
	DefaultModel    string
	LLMMaxInFlight  int64
	LLMMinSpacing   time.Duration
	LLMMaxRetries   int
	LLMRetryBase    time.Duration
	LLMCallTimeout  time.Duration // per attempt
	LLMTotalTimeout time.Duration // whole call including retries

	// HTTP API
	HTTPAddr     string
	JWTSecret    string
	APIKeysFile  string
	APIRateLimit int           // requests per principal
	APIRateWindow time.Duration

	// Engine
	MaxWindow   time.Duration
	CacheMemTTL time.Duration
	CacheMemSize int
	CacheStoreTTL time.Duration

	// Command rate limits
	SummarizeLimit  int
	SummarizeWindow time.Duration
	ConfigLimit     int
	ConfigWindow    time.Duration

	// Scheduler
	TickInterval     time.Duration
	ExecutionTimeout time.Duration
	WebhookSecret    string // signs webhook deliveries when set

	// Retention
	CleanupInterval    time.Duration
	ExecutionRetention time.Duration

	// Timeouts for interactive paths
	CommandTimeout time.Duration
	RequestTimeout time.Duration

	// Model table (aliases + cost rates), loaded from ModelsFile.
	Models *ModelTable

	ModelsFile string
}

// LoadFromEnv resolves configuration from the environment with defaults, then
// loads and validates the model table. Callers load .env beforehand.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DiscordToken: os.Getenv("DISCORD_TOKEN"),

		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		LLMBaseURL:      os.Getenv("LLM_BASE_URL"),
		DefaultModel:    getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
		LLMMaxInFlight:  int64(getEnvInt("LLM_MAX_IN_FLIGHT", 4)),
		LLMMinSpacing:   getEnvDuration("LLM_MIN_SPACING", 100*time.Millisecond),
		LLMMaxRetries:   getEnvInt("LLM_MAX_RETRIES", 3),
		LLMRetryBase:    getEnvDuration("LLM_RETRY_BASE", time.Second),
		LLMCallTimeout:  getEnvDuration("LLM_CALL_TIMEOUT", 60*time.Second),
		LLMTotalTimeout: getEnvDuration("LLM_TOTAL_TIMEOUT", 180*time.Second),

		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		APIKeysFile:   getEnv("API_KEYS_FILE", ""),
		APIRateLimit:  getEnvInt("API_RATE_LIMIT", 100),
		APIRateWindow: getEnvDuration("API_RATE_WINDOW", time.Minute),

		MaxWindow:     getEnvDuration("MAX_WINDOW", 7*24*time.Hour),
		CacheMemTTL:   getEnvDuration("CACHE_MEM_TTL", 5*time.Minute),
		CacheMemSize:  getEnvInt("CACHE_MEM_SIZE", 1000),
		CacheStoreTTL: getEnvDuration("CACHE_STORE_TTL", time.Hour),

		SummarizeLimit:  getEnvInt("SUMMARIZE_RATE_LIMIT", 3),
		SummarizeWindow: getEnvDuration("SUMMARIZE_RATE_WINDOW", time.Minute),
		ConfigLimit:     getEnvInt("CONFIG_RATE_LIMIT", 5),
		ConfigWindow:    getEnvDuration("CONFIG_RATE_WINDOW", time.Minute),

		TickInterval:     getEnvDuration("SCHEDULER_TICK_INTERVAL", 30*time.Second),
		ExecutionTimeout: getEnvDuration("SCHEDULER_EXECUTION_TIMEOUT", 300*time.Second),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),

		CleanupInterval:    getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		ExecutionRetention: getEnvDuration("EXECUTION_RETENTION", 30*24*time.Hour),

		CommandTimeout: getEnvDuration("COMMAND_TIMEOUT", 30*time.Second),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),

		ModelsFile: getEnv("MODELS_FILE", ""),
	}

	models, err := LoadModelTable(cfg.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("loading model table: %w", err)
	}
	cfg.Models = models

	if _, err := models.Resolve(cfg.DefaultModel); err != nil {
		return nil, fmt.Errorf("default model: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings required to actually serve traffic. Kept
// separate from LoadFromEnv so tests can build partial configs.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}
	if c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if c.JWTSecret == "" && c.APIKeysFile == "" {
		return fmt.Errorf("either JWT_SECRET or API_KEYS_FILE must be set for the HTTP API")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return d
}
