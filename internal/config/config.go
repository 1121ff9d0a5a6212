package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Render engine
	RenderAPIURL string
	RenderAPIKey string

	// Object storage (owned artifact bucket)
	StorageEndpoint    string // override for testing; empty = public GCS host
	StorageAccessToken string
	StorageBucket      string
	StoragePrefix      string

	// Payment processor
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Lifecycle & reconciliation
	SyncLookbackDays  int // missing-URL sweep window
	RetentionDays     int // age before rows are flagged expired
	CleanupDays       int // age before expired rows are deleted
	SweepIntervalMins int // how often the missing-URL sweep runs

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),

		RenderAPIURL: getEnv("RENDER_API_URL", "https://api.shotstack.io/v1"),
		RenderAPIKey: getEnv("RENDER_API_KEY", ""),

		StorageEndpoint:    getEnv("STORAGE_ENDPOINT", ""),
		StorageAccessToken: getEnv("STORAGE_ACCESS_TOKEN", ""),
		StorageBucket:      getEnv("STORAGE_BUCKET", ""),
		StoragePrefix:      getEnv("STORAGE_PREFIX", "videos"),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", ""),

		SyncLookbackDays:  getEnvInt("SYNC_LOOKBACK_DAYS", 7),
		RetentionDays:     getEnvInt("VIDEO_RETENTION_DAYS", 2),
		CleanupDays:       getEnvInt("METADATA_CLEANUP_DAYS", 30),
		SweepIntervalMins: getEnvInt("SWEEP_INTERVAL_MINUTES", 30),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 10),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.RenderAPIKey == "" {
		return nil, fmt.Errorf("RENDER_API_KEY is required")
	}

	if cfg.StorageBucket == "" {
		return nil, fmt.Errorf("STORAGE_BUCKET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
