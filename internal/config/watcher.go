// This file implements hot reloading of a narrow slice of configuration:
// log level and circuit-breaker tuning. Database identity and relevance
// weights are deliberately never hot-reloaded (spec §6 ties database naming
// to environment; changing it live would silently repoint storage).
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the base configuration file and applies changes to the
// log level and circuit-breaker fields of a live Config, invoking
// registered callbacks on each successful reload.
type Watcher struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	path      string
}

// NewWatcher creates a configuration watcher rooted at path (the base.yaml
// file inside the Loader's base path).
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		config: initial,
		logger: logger,
		stopCh: make(chan struct{}),
		path:   path,
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w.watcher = fsWatcher

	if err := fsWatcher.Add(path); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	go w.loop()
	return w, nil
}

// OnReload registers a callback invoked with the updated Config after each
// successful hot reload.
func (w *Watcher) OnReload(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current returns the most recently loaded configuration snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cfg := *w.config
	return &cfg
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := *w.config
	loader := NewLoader("", w.config.Environment)
	if err := loader.loadFile(w.path, &next); err != nil {
		w.logger.Warn("config hot reload failed", zap.Error(err))
		return
	}

	// Only the narrow hot-reloadable slice is applied; everything else
	// keeps its previously validated value.
	w.config.LogLevel = next.LogLevel
	w.config.CircuitBreaker = next.CircuitBreaker

	w.logger.Info("configuration hot reloaded",
		zap.String("log_level", w.config.LogLevel),
		zap.Uint32("cb_failure_threshold", w.config.CircuitBreaker.FailureThreshold),
	)

	for _, cb := range w.callbacks {
		cb(w.config)
	}
}

// Stop terminates the watcher's background goroutine.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}
