package config_test

import (
	"LendLedger/internal/config"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEND_JWT_SECRET", "s3cret")

	cfg, err := config.Load()
	require.NoError(t, err)

	d := config.Default()
	assert.Equal(t, d.Store, cfg.Store)
	assert.Equal(t, d.GRPCAddr, cfg.GRPCAddr)
	assert.Equal(t, d.PersistFlushTimeout, cfg.PersistFlushTimeout)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEND_JWT_SECRET", "s3cret")
	t.Setenv("LEND_STORE", "redis")
	t.Setenv("LEND_REDIS_ADDR", "cache:6380")
	t.Setenv("LEND_NATS_ENABLED", "false")
	t.Setenv("LEND_INGEST_WORKERS", "3")
	t.Setenv("LEND_PERSIST_FLUSH_TIMEOUT", "250ms")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.StoreRedis, cfg.Store)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.False(t, cfg.NATSEnabled)
	assert.Equal(t, 3, cfg.IngestWorkers)
	assert.Equal(t, 250*time.Millisecond, cfg.PersistFlushTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("LEND_JWT_SECRET", "")
	t.Setenv("LEND_STORE", "sqlite")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store")
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestUsesPostgres(t *testing.T) {
	cfg := config.Default()
	assert.True(t, cfg.UsesPostgres())
	cfg.Store = config.StoreMemory
	assert.False(t, cfg.UsesPostgres())
}
