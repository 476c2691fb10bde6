// File: config/watcher.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// fsnotify-based hot reload for the dynamic configuration subset.
package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeCallback is invoked with the previous and the freshly loaded
// configuration after a successful reload.
type ChangeCallback func(old, new *Config)

// Watcher watches one configuration file and reloads its dynamic values on
// change. Fixed values (pool geometry, workers) are ignored on reload: the
// runtime they configured is already running.
type Watcher struct {
	path   string
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	fsw    *fsnotify.Watcher
	wg     sync.WaitGroup

	mu        sync.RWMutex
	current   *Config
	callbacks []ChangeCallback
}

// NewWatcher starts watching path. The initial configuration must already
// be loaded; it seeds the comparison baseline.
func NewWatcher(path string, initial *Config, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    path,
		log:     log.With().Str("component", "config-watcher").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		fsw:     fsw,
		current: initial,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the latest loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback run after each successful reload.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	// Editors often emit bursts of write events; debounce with a short
	// settle delay before reloading.
	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		case <-pending:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("reload rejected")
		return
	}
	w.mu.Lock()
	old := w.current
	w.current = cfg
	callbacks := make([]ChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.log.Info().
		Str("log_level", cfg.LogLevel).
		Bool("metrics", cfg.EnableMetrics).
		Msg("configuration reloaded")
	for _, cb := range callbacks {
		cb(old, cfg)
	}
}
