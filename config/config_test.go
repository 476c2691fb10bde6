package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero buffer size", func(c *Config) { c.Pool.BufferSize = 0 }, ErrInvalidBufferSize},
		{"zero batch size", func(c *Config) { c.Pool.BatchSize = 0 }, ErrInvalidBatchSize},
		{"zero capacity", func(c *Config) { c.Pool.Capacity = 0 }, ErrInvalidCapacity},
		{"capacity not batch multiple", func(c *Config) { c.Pool.Capacity = 10; c.Pool.BatchSize = 4 }, ErrInvalidCapacity},
		{"negative workers", func(c *Config) { c.Scheduler.Workers = -1 }, ErrInvalidWorkers},
		{"zero queue size", func(c *Config) { c.Bus.QueueSize = 0 }, ErrInvalidQueueSize},
		{"bogus log level", func(c *Config) { c.LogLevel = "verbose" }, ErrInvalidLogLevel},
		{"zero workers ok", func(c *Config) { c.Scheduler.Workers = 0 }, nil},
		{"empty log level ok", func(c *Config) { c.LogLevel = "" }, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.want == nil {
				if err != nil {
					t.Errorf("Validate: %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("Validate: %v, want %v", err, tc.want)
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rolebus.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
pool:
  buffer_size: 1024
  batch_size: 4
  capacity: 16
scheduler:
  workers: 2
log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.BufferSize != 1024 || cfg.Pool.Capacity != 16 {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.Scheduler.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Scheduler.Workers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
	// Unset fields keep their defaults.
	if cfg.Bus.QueueSize != Default().Bus.QueueSize {
		t.Errorf("queue_size = %d, want default", cfg.Bus.QueueSize)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "pool:\n  buffer_size: -1\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalidBufferSize) {
		t.Errorf("Load: err = %v, want ErrInvalidBufferSize", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
	bad := writeConfig(t, "pool: [not a map\n")
	if _, err := Load(bad); err == nil {
		t.Error("Load of malformed YAML succeeded")
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, err := NewWatcher(path, initial, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	var mu sync.Mutex
	var gotOld, gotNew string
	reloaded := make(chan struct{}, 1)
	w.OnChange(func(old, new *Config) {
		mu.Lock()
		gotOld, gotNew = old.LogLevel, new.LogLevel
		mu.Unlock()
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload did not happen")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotOld != "info" || gotNew != "debug" {
		t.Errorf("callback saw %q -> %q, want info -> debug", gotOld, gotNew)
	}
	if w.Current().LogLevel != "debug" {
		t.Errorf("Current().LogLevel = %q, want debug", w.Current().LogLevel)
	}
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, err := NewWatcher(path, initial, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("log_level: shouting\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	// The invalid file must be rejected and the last good config retained.
	time.Sleep(500 * time.Millisecond)
	if w.Current().LogLevel != "info" {
		t.Errorf("Current().LogLevel = %q, want info (last good)", w.Current().LogLevel)
	}
}
