package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the quote payments service
type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	DatabaseURL string

	// Redis, used for the webhook replay fast path
	RedisURL string

	// NATS, used for operator alerts
	NatsURL string

	// Gateway behavior
	GatewayCallTimeout time.Duration
	PaymentLinkTTL     time.Duration

	// Stale pending sweep
	SweepInterval  time.Duration
	PendingMaxAge  time.Duration
	ReplayCacheTTL time.Duration
}

// buildDatabaseURL constructs the database URL from individual components
func buildDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "password")
	dbname := getEnv("DB_NAME", "quote_payments")
	sslmode := getEnv("DB_SSLMODE", "disable")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode)
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		Port:        getEnv("PORT", "8093"),
		Environment: getEnv("ENVIRONMENT", "development"),
		DatabaseURL: buildDatabaseURL(),
		RedisURL:    getEnv("REDIS_URL", ""),
		NatsURL:     getEnv("NATS_URL", ""),

		GatewayCallTimeout: getDurationEnv("GATEWAY_CALL_TIMEOUT", 30*time.Second),
		PaymentLinkTTL:     getDurationEnv("PAYMENT_LINK_TTL", 24*time.Hour),

		SweepInterval:  getDurationEnv("SWEEP_INTERVAL", 5*time.Minute),
		PendingMaxAge:  getDurationEnv("PENDING_MAX_AGE", 10*time.Minute),
		ReplayCacheTTL: getDurationEnv("REPLAY_CACHE_TTL", 24*time.Hour),
	}

	if config.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	return config
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getDurationEnv parses a duration environment variable, accepting either a
// Go duration string or a plain number of seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Warning: invalid duration for %s: %q (using default %s)", key, value, defaultValue)
	return defaultValue
}
