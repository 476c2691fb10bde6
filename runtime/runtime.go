// File: runtime/runtime.go
// Unified facade for the rolebus runtime.
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Runtime aggregates the core components behind a single value: buffer
// pool, thread-per-core executor, event bus, control surface, and the
// transport attachment point. There are no implicit singletons: a process
// owns its Runtime and passes it into everything that needs one.

package runtime

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/polyphase/rolebus/api"
	"github.com/polyphase/rolebus/bus"
	"github.com/polyphase/rolebus/config"
	"github.com/polyphase/rolebus/internal/concurrency"
	"github.com/polyphase/rolebus/pool"
)

// Runtime is the facade over the core. It implements api.GracefulShutdown.
type Runtime struct {
	cfg *config.Config
	log zerolog.Logger

	pool *pool.Pool
	exec *concurrency.Executor
	bus  *bus.Bus

	metrics *MetricsRegistry
	control *ConfigStore

	mu    sync.Mutex
	peers map[api.PeerID]*bus.Instance
	tr    api.Transport
	down  bool
}

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*Runtime)(nil)

// New constructs a Runtime from an immutable configuration. Pool geometry
// and worker count are fixed for the runtime's lifetime.
func New(cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.Level(parseLevel(cfg.LogLevel))

	exec := concurrency.NewExecutor(cfg.Scheduler.Workers, cfg.Scheduler.CPUAffinity, log)
	p, err := pool.New(pool.Config{
		BufferSize: cfg.Pool.BufferSize,
		BatchSize:  cfg.Pool.BatchSize,
		Capacity:   cfg.Pool.Capacity,
		Workers:    exec.NumWorkers(),
	}, log)
	if err != nil {
		exec.Close()
		return nil, fmt.Errorf("runtime: pool init: %w", err)
	}

	r := &Runtime{
		cfg:     cfg,
		log:     log.With().Str("component", "runtime").Logger(),
		pool:    p,
		exec:    exec,
		bus:     bus.New(exec, cfg.Bus.QueueSize, log),
		metrics: NewMetricsRegistry(),
		control: NewConfigStore(),
		peers:   make(map[api.PeerID]*bus.Instance),
	}
	r.control.Set(map[string]any{
		"pool.buffer_size": cfg.Pool.BufferSize,
		"pool.batch_size":  cfg.Pool.BatchSize,
		"pool.capacity":    cfg.Pool.Capacity,
		"bus.queue_size":   cfg.Bus.QueueSize,
		"workers":          exec.NumWorkers(),
		"log_level":        cfg.LogLevel,
		"metrics.enabled":  cfg.EnableMetrics,
	})
	r.log.Info().
		Int("workers", exec.NumWorkers()).
		Int("pool_capacity", cfg.Pool.Capacity).
		Msg("runtime started")
	return r, nil
}

// Pool returns the buffer pool.
func (r *Runtime) Pool() api.BufferPool { return r.pool }

// Bus returns the event bus.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Executor returns the thread-per-core executor.
func (r *Runtime) Executor() api.Executor { return r.exec }

// Control returns the dynamic config store.
func (r *Runtime) Control() *ConfigStore { return r.control }

// ApplyDynamic applies the dynamic subset of a reloaded configuration.
// Suitable as a config.Watcher callback; fixed values are ignored.
func (r *Runtime) ApplyDynamic(_, cfg *config.Config) {
	r.control.Set(map[string]any{
		"log_level":       cfg.LogLevel,
		"metrics.enabled": cfg.EnableMetrics,
	})
	r.log.Info().Str("log_level", cfg.LogLevel).Msg("dynamic configuration applied")
}

// Metrics refreshes and returns the metrics registry.
func (r *Runtime) Metrics() *MetricsRegistry {
	if r.cfg.EnableMetrics {
		ps := r.pool.Stats()
		r.metrics.SetAll(map[string]any{
			"pool.free":      ps.Free,
			"pool.in_flight": ps.InFlight,
			"pool.waiters":   ps.Waiters,
			"pool.acquired":  ps.Acquired,
			"pool.released":  ps.Released,
		})
		for k, v := range r.bus.Stats() {
			r.metrics.Set("bus."+k, v)
		}
		for k, v := range r.exec.Stats() {
			r.metrics.Set("executor."+k, v)
		}
	}
	return r.metrics
}

// Shutdown tears the runtime down in dependency order: bus first (resolving
// pending calls as canceled), then pool (failing suspended acquires), then
// the executor and any bound transport.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return nil
	}
	r.down = true
	tr := r.tr
	r.mu.Unlock()

	var firstErr error
	if err := r.bus.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.pool.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	if tr != nil {
		if err := tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.exec.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	r.log.Info().Msg("runtime shut down")
	return firstErr
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
