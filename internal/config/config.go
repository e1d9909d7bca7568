package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Cost model baselines the planner knobs are derived from. They mirror the
// host's sequential-page and operator cost units.
const (
	SeqPageCost     = 1.0
	CPUOperatorCost = 0.0025
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`

	// Master switch for planner integration.
	Enabled bool `yaml:"enabled"`
	// Collect per-task timings for EXPLAIN.
	Perfmon bool `yaml:"perfmon"`
	// Permit bulk-exchange between operators.
	BulkExec bool `yaml:"bulkexec"`
	// Fall back to the CPU path when the GPU path errors at runtime.
	CPUFallback bool `yaml:"cpuFallback"`
	// Expose the generated-source path in EXPLAIN.
	DebugKernelSource bool `yaml:"debugKernelSource"`

	// Soft per-session cap on outstanding tasks (>= 4).
	MaxAsyncTasks int `yaml:"maxAsyncTasks"`
	// Floor on outstanding tasks (>= 1, <= maxAsyncTasks/4).
	MinAsyncTasks int `yaml:"minAsyncTasks"`

	// Default data-store chunk size in kB.
	ChunkSizeKB int `yaml:"chunkSize"`
	// Upper bound on data-store chunk size in kB; 0 means 5x chunkSize.
	ChunkLimitKB int `yaml:"chunkLimit"`
	// Safety factor for unpredictable chunk sizes (>= 1.0).
	ChunkSizeMargin float64 `yaml:"chunkSizeMargin"`

	// Planner cost terms.
	GpuSetupCost    float64 `yaml:"gpuSetupCost"`
	GpuDMACost      float64 `yaml:"gpuDmaCost"`
	GpuOperatorCost float64 `yaml:"gpuOperatorCost"`

	Compiler struct {
		// Path of the nvcc binary; empty means $PATH lookup.
		BinaryPath string `yaml:"binaryPath"`
		// Include directory holding the device runtime headers.
		IncludeDir string `yaml:"includeDir"`
		// Base directory for generated sources and compiled binaries.
		CacheDir string `yaml:"cacheDir"`
	} `yaml:"compiler"`

	Metrics struct {
		ListenAddr string `yaml:"listenAddr"`
	} `yaml:"metrics"`
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	cfg := &Config{}
	cfg.Logger.Verbosity = "info"
	cfg.Enabled = true
	cfg.Perfmon = false
	cfg.BulkExec = true
	cfg.CPUFallback = true
	cfg.DebugKernelSource = false
	cfg.MaxAsyncTasks = 32
	cfg.MinAsyncTasks = 4
	cfg.ChunkSizeKB = 32 * 1024 // ~32MiB
	cfg.ChunkLimitKB = 0        // derived: 5 x chunkSize
	cfg.ChunkSizeMargin = 1.25
	cfg.GpuSetupCost = 4000 * SeqPageCost
	cfg.GpuDMACost = 10 * SeqPageCost
	cfg.GpuOperatorCost = CPUOperatorCost / 16
	cfg.Compiler.CacheDir = filepath.Join(os.TempDir(), "gpubridge")
	cfg.Metrics.ListenAddr = ":9090"
	return cfg
}

// LoadConfig reads a yaml config file over the defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the bounds of the configuration surface.
func (c *Config) Validate() error {
	if c.MaxAsyncTasks < 4 {
		return fmt.Errorf("maxAsyncTasks must be >= 4, got %d", c.MaxAsyncTasks)
	}
	if c.MinAsyncTasks < 1 {
		return fmt.Errorf("minAsyncTasks must be >= 1, got %d", c.MinAsyncTasks)
	}
	if c.MinAsyncTasks > c.MaxAsyncTasks/4 {
		return fmt.Errorf("minAsyncTasks must be <= maxAsyncTasks/4 (%d), got %d",
			c.MaxAsyncTasks/4, c.MinAsyncTasks)
	}
	if c.ChunkSizeKB < 4096 {
		return fmt.Errorf("chunkSize must be >= 4096kB, got %d", c.ChunkSizeKB)
	}
	if c.ChunkLimitKB == 0 {
		c.ChunkLimitKB = 5 * c.ChunkSizeKB
	}
	if c.ChunkLimitKB < c.ChunkSizeKB {
		return fmt.Errorf("chunkLimit (%dkB) must be >= chunkSize (%dkB)",
			c.ChunkLimitKB, c.ChunkSizeKB)
	}
	if c.ChunkSizeMargin < 1.0 {
		return fmt.Errorf("chunkSizeMargin must be >= 1.0, got %g", c.ChunkSizeMargin)
	}
	if c.GpuSetupCost < 0 || c.GpuDMACost < 0 || c.GpuOperatorCost < 0 {
		return fmt.Errorf("planner cost terms must be >= 0")
	}
	return nil
}

// ChunkSize returns the default data-store chunk size in bytes.
func (c *Config) ChunkSize() int64 {
	return int64(c.ChunkSizeKB) << 10
}

// ChunkSizeLimit returns the upper bound on data-store chunk size in bytes.
func (c *Config) ChunkSizeLimit() int64 {
	return int64(c.ChunkLimitKB) << 10
}
