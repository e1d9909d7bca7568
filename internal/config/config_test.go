package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Perfmon)
	assert.True(t, cfg.BulkExec)
	assert.True(t, cfg.CPUFallback)
	assert.Equal(t, 32, cfg.MaxAsyncTasks)
	assert.Equal(t, 4, cfg.MinAsyncTasks)
	assert.Equal(t, int64(32)<<20, cfg.ChunkSize())
	// chunk limit derives from chunk size when unset
	assert.Equal(t, 5*cfg.ChunkSize(), cfg.ChunkSizeLimit())
	assert.Equal(t, 1.25, cfg.ChunkSizeMargin)
	assert.Equal(t, 4000*SeqPageCost, cfg.GpuSetupCost)
	assert.Equal(t, 10*SeqPageCost, cfg.GpuDMACost)
	assert.Equal(t, CPUOperatorCost/16, cfg.GpuOperatorCost)
}

func TestValidateBounds(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max async below floor", func(c *Config) { c.MaxAsyncTasks = 3 }},
		{"min async zero", func(c *Config) { c.MinAsyncTasks = 0 }},
		{"min async above max/4", func(c *Config) { c.MinAsyncTasks = 9 }},
		{"chunk too small", func(c *Config) { c.ChunkSizeKB = 1024 }},
		{"limit below chunk", func(c *Config) { c.ChunkLimitKB = c.ChunkSizeKB / 2 }},
		{"margin below one", func(c *Config) { c.ChunkSizeMargin = 0.5 }},
		{"negative cost", func(c *Config) { c.GpuDMACost = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
logger:
  verbosity: debug
perfmon: true
maxAsyncTasks: 64
minAsyncTasks: 8
compiler:
  cacheDir: /tmp/gpubridge-test
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Verbosity)
	assert.True(t, cfg.Perfmon)
	assert.Equal(t, 64, cfg.MaxAsyncTasks)
	assert.Equal(t, 8, cfg.MinAsyncTasks)
	assert.Equal(t, "/tmp/gpubridge-test", cfg.Compiler.CacheDir)
	// untouched keys keep defaults
	assert.True(t, cfg.BulkExec)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
