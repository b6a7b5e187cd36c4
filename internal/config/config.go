// Package config loads the gateway configuration from environment
// variables. A .env file is honored when present (godotenv in main).
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
)

// Config is the full receiver configuration.
type Config struct {
	ConvexSiteURL       string
	CaptureSharedSecret string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	Port  int
	Debug bool

	SentryDSN string

	FlushWorkers    int
	BatchMaxSize    int
	FlushIntervalMS int

	EndpointCacheTTLSecs int
	QuotaCacheTTLSecs    int

	// Column store is optional: disabled when ClickHouseHost is empty.
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseScheme   string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseDatabase string
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env value, using default", "name", name, "value", v, "default", fallback)
		return fallback
	}
	return n
}

// FromEnv reads and validates the configuration.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ConvexSiteURL:       os.Getenv("CONVEX_SITE_URL"),
		CaptureSharedSecret: os.Getenv("CAPTURE_SHARED_SECRET"),

		RedisHost:     envOr("REDIS_HOST", "127.0.0.1"),
		RedisPort:     envIntOr("REDIS_PORT", 6380),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envIntOr("REDIS_DB", 0),

		Port:  envIntOr("PORT", 3001),
		Debug: os.Getenv("RECEIVER_DEBUG") != "",

		SentryDSN: os.Getenv("SENTRY_DSN"),

		FlushWorkers:    envIntOr("FLUSH_WORKERS", 4),
		BatchMaxSize:    envIntOr("BATCH_MAX_SIZE", 50),
		FlushIntervalMS: envIntOr("FLUSH_INTERVAL_MS", 100),

		EndpointCacheTTLSecs: envIntOr("ENDPOINT_CACHE_TTL_SECS", 300),
		QuotaCacheTTLSecs:    envIntOr("QUOTA_CACHE_TTL_SECS", 300),

		ClickHouseHost:     os.Getenv("CLICKHOUSE_HOST"),
		ClickHousePort:     envIntOr("CLICKHOUSE_PORT", 8123),
		ClickHouseScheme:   envOr("CLICKHOUSE_SCHEME", "http"),
		ClickHouseUser:     envOr("CLICKHOUSE_USER", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		ClickHouseDatabase: envOr("CLICKHOUSE_DATABASE", "webhooks"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ConvexSiteURL == "" {
		return fmt.Errorf("CONVEX_SITE_URL is required")
	}
	if c.CaptureSharedSecret == "" {
		return fmt.Errorf("CAPTURE_SHARED_SECRET is required")
	}
	if c.FlushWorkers <= 0 {
		return fmt.Errorf("FLUSH_WORKERS must be > 0")
	}
	if c.BatchMaxSize <= 0 {
		return fmt.Errorf("BATCH_MAX_SIZE must be > 0")
	}
	if c.ClickHouseDatabase == "" {
		return fmt.Errorf("CLICKHOUSE_DATABASE must not be empty")
	}
	// The database name is interpolated into SQL identifiers; reject
	// anything outside [A-Za-z0-9_] at boot.
	for _, r := range c.ClickHouseDatabase {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("CLICKHOUSE_DATABASE must contain only alphanumeric characters and underscores")
		}
	}
	return nil
}

// RedisAddr returns the host:port pair for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ClickHouseEnabled reports whether the column store is configured.
func (c *Config) ClickHouseEnabled() bool {
	return c.ClickHouseHost != ""
}

// ClickHouseURL builds the column store base URL.
func (c *Config) ClickHouseURL() string {
	u := url.URL{
		Scheme: c.ClickHouseScheme,
		Host:   fmt.Sprintf("%s:%d", c.ClickHouseHost, c.ClickHousePort),
	}
	return u.String()
}
