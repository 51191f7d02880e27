package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a registry when table files in its directory change.
// A reload that fails to parse keeps the previous tables.
type Watcher struct {
	dir      string
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	// OnReload is called after every reload attempt (tests hook it)
	OnReload func(err error)
}

// NewWatcher watches dir and swaps reloaded tables into registry
func NewWatcher(dir string, registry *Registry, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		watcher:  fw,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Run processes file events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isTableFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors write in bursts; reload once they settle
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("strategy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("strategy reload failed, keeping previous tables", "dir", w.dir, "error", err)
	} else {
		w.registry.Swap(next)
		for _, t := range next.Tables() {
			w.logger.Info("strategy table loaded", "language", t.Language, "version", t.Version,
				"codes", len(t.Codes()))
		}
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
