package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Running.Port)
	assert.Equal(t, "doc-ops", cfg.Kafka.Topic)
	assert.Equal(t, 30*time.Second, cfg.Materializer.Interval)
	assert.Equal(t, uint64(1000), cfg.Materializer.Retention)
	assert.Equal(t, ".md", cfg.Git.FileExt)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
running:
  port: 9100
session:
  idleTimeout: 45s
redis:
  addrs: [a:6379, b:6379]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "syncConfig.yaml"), yaml, 0o644))
	t.Setenv("MDSYNC_LOG_LEVEL", "warn")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Running.Port)
	assert.Equal(t, 45*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, []string{"a:6379", "b:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_BrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "syncConfig.yaml"), []byte("running: [oops"), 0o644))
	_, err := Load(dir)
	assert.Error(t, err)
}
