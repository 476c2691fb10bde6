// Package config provides the runtime configuration surface: typed values
// loaded from YAML, validated once, with hot-reload for the dynamic subset.
//
// Pool geometry and worker count are fixed at runtime start and never
// resized afterwards; only log level and metrics toggles react to file
// changes.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrInvalidBufferSize = errors.New("invalid buffer size")
	ErrInvalidBatchSize  = errors.New("invalid batch size")
	ErrInvalidCapacity   = errors.New("invalid pool capacity")
	ErrInvalidWorkers    = errors.New("invalid worker count")
	ErrInvalidQueueSize  = errors.New("invalid queue size")
	ErrInvalidLogLevel   = errors.New("invalid log level")
)

// PoolConfig fixes the buffer pool geometry.
type PoolConfig struct {
	BufferSize int `yaml:"buffer_size"`
	BatchSize  int `yaml:"batch_size"`
	Capacity   int `yaml:"capacity"`
}

// SchedulerConfig fixes the thread-per-core executor.
type SchedulerConfig struct {
	Workers     int  `yaml:"workers"`
	CPUAffinity bool `yaml:"cpu_affinity"`
}

// BusConfig tunes event routing.
type BusConfig struct {
	QueueSize int `yaml:"queue_size"` // default subscriber queue bound
}

// Config is the full runtime configuration.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bus       BusConfig       `yaml:"bus"`

	// Dynamic subset: may change through the watcher at runtime.
	LogLevel      string `yaml:"log_level"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// Default returns configuration suitable for tests and small deployments.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			BufferSize: 4096,
			BatchSize:  8,
			Capacity:   256,
		},
		Scheduler: SchedulerConfig{
			Workers:     4,
			CPUAffinity: false,
		},
		Bus: BusConfig{
			QueueSize: 64,
		},
		LogLevel:      "info",
		EnableMetrics: true,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Pool.BufferSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBufferSize, c.Pool.BufferSize)
	}
	if c.Pool.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Pool.BatchSize)
	}
	if c.Pool.Capacity <= 0 || c.Pool.Capacity%c.Pool.BatchSize != 0 {
		return fmt.Errorf("%w: %d (batch %d)", ErrInvalidCapacity, c.Pool.Capacity, c.Pool.BatchSize)
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Scheduler.Workers)
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, c.Bus.QueueSize)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	return nil
}

// Load reads and validates a YAML configuration file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
