package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.StateDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Executor.PollInterval)
	assert.Equal(t, 16, cfg.Cache.Capacity)
	assert.Equal(t, 5*time.Minute, cfg.Cache.IdleTimeout)
	assert.Equal(t, time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Cache.OpenTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.False(t, cfg.Sync.Checksum)
	assert.Equal(t, 1024*1024, cfg.Transfer.BufferSize)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.Equal(t, "s3", cfg.Grid.Scheme)
	assert.Equal(t, filepath.Join(cfg.StateDir, "conveyor.db"), cfg.DBPath())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state_dir: /var/lib/conveyor
log:
  level: debug
  format: json
executor:
  max_retries: 5
cache:
  idle_timeout: 90s
grid:
  scheme: file
  root: /srv/grid
`), 0o644))

	t.Setenv("CONVEYOR_CACHE_CAPACITY", "4")
	t.Setenv("CONVEYOR_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/conveyor", cfg.StateDir)
	assert.Equal(t, "warn", cfg.Log.Level, "environment beats the file")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Executor.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Cache.IdleTimeout)
	assert.Equal(t, 4, cfg.Cache.Capacity)
	assert.Equal(t, "file", cfg.Grid.Scheme)
	assert.Equal(t, "/srv/grid", cfg.Grid.Root)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  capacity: 0
grid:
  scheme: file
`), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.capacity")
	assert.Contains(t, err.Error(), "grid.root")
}
