package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, 10_000, cfg.FrameMaxDepth)
	assert.Equal(t, int64(2<<30), cfg.LocalSizeCapBytes)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"frame_max_depth": 500, "soft_queue_ceiling": 42}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.FrameMaxDepth)
	assert.Equal(t, 42, cfg.SoftQueueCeiling)
}

func TestLoadAppliesLogLevelEnvOverride(t *testing.T) {
	t.Setenv(config.EnvLogLevel, "debug")
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMergesTOMLOverlayForKeysJSONDoesNotSet(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"frame_max_depth": 500}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("soft_queue_ceiling = 99\nframe_max_depth = 1\n"), 0o644))

	cfg, err := config.Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.SoftQueueCeiling, "toml overlay fills a key json omits")
	assert.Equal(t, 500, cfg.FrameMaxDepth, "json wins over the toml overlay when both set a key")
}

func TestProjectOverride(t *testing.T) {
	t.Setenv(config.EnvProject, "acme-widget")
	v, ok := config.ProjectOverride()
	require.True(t, ok)
	assert.Equal(t, "acme-widget", v)
}
