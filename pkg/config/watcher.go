package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback receives the previous and the freshly loaded configuration.
type ReloadCallback func(oldConfig, newConfig *Config) error

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	watcher   *fsnotify.Watcher
	path      string
	debounce  time.Duration
	current   *Config
	callbacks []ReloadCallback
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWatcher creates a watcher for the file current was loaded from.
func NewWatcher(current *Config) (*Watcher, error) {
	if current == nil || current.File == "" {
		return nil, fmt.Errorf("config was not loaded from a file")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	path, err := filepath.Abs(current.File)
	if err != nil {
		fw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		watcher:  fw,
		path:     path,
		debounce: 500 * time.Millisecond,
		current:  current,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the config file so that editors
// replacing the file by rename are still seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to add config path to watcher: %w", err)
	}

	go w.watchLoop()

	log.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop ends the watch loop and releases the fsnotify watcher.
func (w *Watcher) Stop() error {
	w.cancel()

	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Config watcher stop timeout")
	}

	return w.watcher.Close()
}

// OnReload registers a callback run after every successful reload.
func (w *Watcher) OnReload(callback ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}

	for {
		select {
		case <-w.ctx.Done():
			debounceTimer.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-debounceTimer.C:
			if err := w.reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload config")
			}
		}
	}
}

// reload keeps the old configuration when the new file does not load or
// does not validate.
func (w *Watcher) reload() error {
	newConfig, err := LoadConfig(w.path)
	if err != nil {
		return err
	}
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	w.mu.Lock()
	oldConfig := w.current
	w.current = newConfig
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			log.Error().Err(err).Msg("Config reload callback error")
		}
	}

	log.Info().Str("path", w.path).Msg("Config reloaded")
	return nil
}
