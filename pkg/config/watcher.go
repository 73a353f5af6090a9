package config

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher is a Source backed by a YAML file that is reloaded on change.
// A reload that fails to parse or validate keeps the previous config.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher loads path and prepares to watch it. The initial load must succeed.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors and config management replace the file
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		logger:  log.WithComponent("config"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.current.Store(&cfg)
	return w, nil
}

// Current returns the most recently loaded valid configuration
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// Start begins watching for changes
func (w *Watcher) Start() {
	go w.run()
}

// Stop stops watching and waits for the watch loop to exit
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)
	defer w.watcher.Close()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watch error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid config reload")
		return
	}
	w.current.Store(&cfg)
	w.logger.Info().
		Bool("enabled", cfg.Enabled).
		Dur("period", cfg.Period).
		Int("workers", cfg.Workers).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Config reloaded")
}
