package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/course-market/config"
	"github.com/warp/course-market/market"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "courses.db", cfg.DBPath)
	assert.False(t, cfg.Production())
	assert.Equal(t, 10, cfg.GroupPoolSize)
	assert.Equal(t, 30, cfg.MaxGroupSize)
	assert.Equal(t, "1000.00", cfg.StartingBalance.String())
	assert.Equal(t, 30*time.Second, cfg.PlacementRetryInterval)
	assert.Equal(t, 50, cfg.PlacementBatchSize)
	assert.Equal(t, 3, cfg.EnrollRetries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COURSEMARKET_PORT", "9090")
	t.Setenv("COURSEMARKET_ENV", "production")
	t.Setenv("COURSEMARKET_GROUP_POOL_SIZE", "4")
	t.Setenv("COURSEMARKET_PLACEMENT_RETRY_INTERVAL", "5s")
	t.Setenv("COURSEMARKET_STARTING_BALANCE", "250.5")

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.Production())
	assert.Equal(t, 4, cfg.GroupPoolSize)
	assert.Equal(t, 5*time.Second, cfg.PlacementRetryInterval)
	assert.Equal(t, "250.50", cfg.StartingBalance.String())
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db: memory\nmax_group_size: 25\n"), 0o600))

	cfg, err := config.Load(config.New(), path)
	require.NoError(t, err)
	assert.Equal(t, config.MemoryDB, cfg.DBPath)
	assert.Equal(t, 25, cfg.MaxGroupSize)

	_, err = config.Load(config.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	v := config.New()
	v.Set(config.KeyPort, 0)
	v.Set(config.KeyGroupPoolSize, -1)
	v.Set(config.KeyEnrollRetries, 0)

	_, err := config.Load(v, "")
	require.ErrorIs(t, err, market.ErrInvalidInput)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "group_pool_size")
	assert.Contains(t, err.Error(), "enroll_retries")

	v = config.New()
	v.Set(config.KeyStartingBalance, "lots")
	_, err = config.Load(v, "")
	assert.ErrorIs(t, err, market.ErrInvalidAmount)
}
