package alternatives

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/replan/internal/observability"
)

// ReloadCallback is called after every reload attempt
type ReloadCallback func(err error)

// Watcher reloads a Registry when its file changes on disk
type Watcher struct {
	watcher            *fsnotify.Watcher
	registry           *Registry
	path               string
	stabilityThreshold time.Duration
	onReload           ReloadCallback
	logger             zerolog.Logger
	done               chan struct{}
	timer              *time.Timer
	timerMu            sync.Mutex
	stopOnce           sync.Once
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Path               string
	StabilityThreshold time.Duration
	OnReload           ReloadCallback
}

// NewWatcher creates a watcher for the registry file at config.Path
func NewWatcher(registry *Registry, config WatcherConfig) (*Watcher, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("alternatives watcher: path is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.StabilityThreshold == 0 {
		config.StabilityThreshold = 100 * time.Millisecond
	}
	path, err := filepath.Abs(config.Path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", config.Path, err)
	}

	return &Watcher{
		watcher:            watcher,
		registry:           registry,
		path:               path,
		stabilityThreshold: config.StabilityThreshold,
		onReload:           config.OnReload,
		logger:             log.Logger.With().Str("component", "alternatives-watcher").Logger(),
		done:               make(chan struct{}),
	}, nil
}

// Start watches the directory holding the file, so editors that replace the
// file by rename are picked up too
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Alternatives watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("Alternatives watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		// A removed file keeps the last good content
		return
	}
	w.debounce()
}

// debounce collapses bursts of writes into one reload
func (w *Watcher) debounce() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	err := w.registry.Reload(w.path)
	observability.RecordAlternativesReload(err == nil)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload alternatives, keeping previous content")
	} else {
		w.logger.Info().Str("path", w.path).Strs("roles", w.registry.Roles()).Msg("Alternatives reloaded")
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
