package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONVEX_SITE_URL", "https://cp.example.com")
	t.Setenv("CAPTURE_SHARED_SECRET", "s3cret")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6380", cfg.RedisAddr())
	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, 4, cfg.FlushWorkers)
	assert.Equal(t, 50, cfg.BatchMaxSize)
	assert.Equal(t, 100, cfg.FlushIntervalMS)
	assert.Equal(t, 300, cfg.EndpointCacheTTLSecs)
	assert.Equal(t, 300, cfg.QuotaCacheTTLSecs)
	assert.False(t, cfg.ClickHouseEnabled())
	assert.False(t, cfg.Debug)
}

func TestFromEnv_RequiredFields(t *testing.T) {
	t.Setenv("CONVEX_SITE_URL", "")
	t.Setenv("CAPTURE_SHARED_SECRET", "s3cret")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "CONVEX_SITE_URL")

	t.Setenv("CONVEX_SITE_URL", "https://cp.example.com")
	t.Setenv("CAPTURE_SHARED_SECRET", "")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "CAPTURE_SHARED_SECRET")
}

func TestFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("FLUSH_WORKERS", "8")
	t.Setenv("RECEIVER_DEBUG", "1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr())
	assert.Equal(t, 8, cfg.FlushWorkers)
	assert.True(t, cfg.Debug)
}

func TestFromEnv_BadIntegerFallsBack(t *testing.T) {
	setRequired(t)
	t.Setenv("BATCH_MAX_SIZE", "lots")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.BatchMaxSize)
}

func TestFromEnv_RejectsNonPositiveWorkers(t *testing.T) {
	setRequired(t)
	t.Setenv("FLUSH_WORKERS", "0")

	_, err := FromEnv()
	assert.ErrorContains(t, err, "FLUSH_WORKERS")
}

func TestFromEnv_ValidatesDatabaseName(t *testing.T) {
	setRequired(t)
	t.Setenv("CLICKHOUSE_DATABASE", "webhooks; DROP")

	_, err := FromEnv()
	assert.ErrorContains(t, err, "CLICKHOUSE_DATABASE")
}

func TestClickHouseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("CLICKHOUSE_HOST", "ch.internal")
	t.Setenv("CLICKHOUSE_PORT", "8443")
	t.Setenv("CLICKHOUSE_SCHEME", "https")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.ClickHouseEnabled())
	assert.Equal(t, "https://ch.internal:8443", cfg.ClickHouseURL())
}
