// Package watcher triggers an import when circuit source files in the data
// directory change.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eargollo/cfss/internal/importer"
)

// TriggerFunc starts an import. Returning importer.ErrAlreadyRunning makes
// the watcher retry after another debounce interval.
type TriggerFunc func(ctx context.Context) error

// Watcher debounces filesystem events on source files into import triggers.
type Watcher struct {
	dir      string
	debounce time.Duration
	trigger  TriggerFunc
}

// New creates a Watcher for dir.
func New(dir string, debounce time.Duration, trigger TriggerFunc) *Watcher {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Watcher{dir: dir, debounce: debounce, trigger: trigger}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watched dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %q: %w", w.dir, err)
	}
	slog.Info("watching for source changes", "dir", w.dir, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			slog.Debug("source change", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)

		case <-timer.C:
			err := w.trigger(ctx)
			switch {
			case err == nil:
			case errors.Is(err, importer.ErrAlreadyRunning):
				timer.Reset(w.debounce)
			default:
				slog.Error("watcher: start import", "error", err)
			}
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !importer.IsSource(ev.Name) {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
