package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pool.MinWorkers)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	assert.Equal(t, 300, cfg.Pool.DefaultTimeoutSeconds)
	assert.Equal(t, "bifrost", cfg.Storage.Bucket)
}

func TestLoadConfigMissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadConfig("/does/not/exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
pool:
  min_workers: 4
  max_workers: 16
  route_wait_seconds: 5
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pool.MinWorkers)
	assert.Equal(t, 16, cfg.Pool.MaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.Pool.RouteWait())
	assert.Equal(t, 300, cfg.Pool.DefaultTimeoutSeconds, "unset fields still get defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("BIFROST_PORT", "7070")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestDurationHelpers(t *testing.T) {
	p := PoolConfig{GracefulShutdownSeconds: 5, HeartbeatIntervalSeconds: 10, RouteWaitSeconds: 30}
	assert.Equal(t, 5*time.Second, p.GracefulShutdown())
	assert.Equal(t, 10*time.Second, p.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, p.RouteWait())
}
