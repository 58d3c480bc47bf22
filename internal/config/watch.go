package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk. A reload that fails
// to parse or validate is logged and the previous config stays in effect.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	// Check runs after Validate. The registry uses it to reject phase lists
	// it has no handlers for.
	Check func(*Config) error
	// OnChange receives every accepted config.
	OnChange func(*Config)
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		debounce: DefaultDebounce,
	}
}

// SetDebounce overrides the debounce interval.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run watches until ctx is cancelled. The parent directory is watched rather
// than the file so atomic rename-on-save is observed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating config watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}
	name := filepath.Clean(w.path)

	w.logger.Info("watching config file", "path", w.path)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.Load()
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path, "pipeline", cfg.Pipeline.Name)
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}

// Load reads, validates and checks the watched file.
func (w *Watcher) Load() (*Config, error) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if w.Check != nil {
		if err := w.Check(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
