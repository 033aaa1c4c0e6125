package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpec(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.MaxWorkersPerContainer)
	assert.Equal(t, int64(1_800_000), cfg.IdleTimeout.Milliseconds())
	assert.NotEmpty(t, cfg.ManagerID)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MAX_WORKERS_PER_CONTAINER", "10")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("IDLE_TIMEOUT_MS", "60000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxWorkersPerContainer)
	assert.Equal(t, "cache.internal:6380", cfg.RedisAddr)
	assert.Equal(t, int64(60_000), cfg.IdleTimeout.Milliseconds())
}
