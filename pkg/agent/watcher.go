package agent

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives each successfully reloaded catalog
type ReloadFunc func(*Catalog)

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Path               string
	Options            LoadOptions
	StabilityThreshold time.Duration
	OnReload           ReloadFunc
	// OnError receives reload failures; the previous catalog stays in effect
	OnError func(error)
}

// Watcher reloads a catalog file when it changes
type Watcher struct {
	watcher  *fsnotify.Watcher
	cfg      WatcherConfig
	file     string
	done     chan struct{}
	timer    *time.Timer
	timerMu  sync.Mutex
	stopOnce sync.Once
}

// NewWatcher creates a catalog watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher: w,
		cfg:     cfg,
		file:    abs,
		done:    make(chan struct{}),
	}, nil
}

// Start watches the catalog's directory; editors often replace files
// rather than write them in place
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.file)); err != nil {
		return fmt.Errorf("failed to watch catalog: %w", err)
	}

	go w.eventLoop()

	log.Info().Str("path", w.file).Msg("Catalog watcher started")
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
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Catalog watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) debounce() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.StabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	catalog, err := LoadCatalog(w.file, w.cfg.Options)
	if err != nil {
		log.Error().Err(err).Str("path", w.file).Msg("Catalog reload failed, keeping previous catalog")
		if w.cfg.OnError != nil {
			w.cfg.OnError(err)
		}
		return
	}
	if w.cfg.OnReload != nil {
		w.cfg.OnReload(catalog)
	}
}
