package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_LayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
store:
  name: players
  max_shard_size: 1024
  lock_ttl: 90s
backend:
  max_value_size: 4000000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "players", cfg.Store.Name)
	assert.Equal(t, 1024, cfg.Store.MaxShardSize.Bytes())
	assert.Equal(t, 90*time.Second, cfg.LockTTL())
	assert.Equal(t, 30*time.Second, cfg.AutoSaveInterval(), "unset values keep defaults")
}

func TestLoad_SizesWithUnits(t *testing.T) {
	path := writeConfig(t, `
store:
  max_shard_size: 64KB
backend:
  max_value_size: 4MB
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64*1024, cfg.Store.MaxShardSize.Bytes())
	assert.Equal(t, 4*1024*1024, cfg.Backend.MaxValueSize.Bytes())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Store.Name = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.LockTTL = "not-a-duration"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.MaxShardSize = cfg.Backend.MaxValueSize + 1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Backend.MaxValueSize = 0
	assert.Error(t, cfg.Validate())
}
