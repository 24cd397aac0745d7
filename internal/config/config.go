package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Upstream card service
	BrocardBaseURL  string
	BrocardAPIToken string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Pagination
	PageSize         int
	PageDelay        time.Duration
	MaxPages         int
	PreviewStopAfter int

	// Reports
	RecentLimit int
	InlineLimit int

	// Sessions and cache
	SessionTTL time.Duration // zero means sessions never expire
	CacheTTL   time.Duration

	// AllowHandleOnlyProof accepts a last-four match as verified when
	// the secrets page cannot be read. Off by default.
	AllowHandleOnlyProof bool

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		BrocardBaseURL:  getEnv("BROCARD_BASE_URL", "https://private.mybrocard.com/api/v2"),
		BrocardAPIToken: getEnv("BROCARD_API_TOKEN", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 10),

		PageSize:         getEnvInt("PAGE_SIZE", 100),
		PageDelay:        getEnvDuration("PAGE_DELAY", 150*time.Millisecond),
		MaxPages:         getEnvInt("MAX_PAGES", 0),
		PreviewStopAfter: getEnvInt("PREVIEW_STOP_AFTER", 50),

		RecentLimit: getEnvInt("RECENT_LIMIT", 20),
		InlineLimit: getEnvInt("INLINE_LIMIT", 4000),

		SessionTTL: getEnvDuration("SESSION_TTL", 0),
		CacheTTL:   getEnvDuration("CACHE_TTL", 5*time.Minute),

		AllowHandleOnlyProof: getEnv("ALLOW_HANDLE_ONLY_PROOF", "false") == "true",

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
