package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a rule file into a Store when it changes on disk.
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(LoadResult)
}

// NewWatcher creates a watcher for path. A zero debounce defaults to 500ms.
func NewWatcher(store *Store, path string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		store:    store,
		path:     path,
		debounce: debounce,
		logger:   logger,
	}
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(LoadResult)) {
	w.onReload = fn
}

// Run watches until ctx is cancelled. The parent directory is watched
// because editors commonly replace files rather than writing in place.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info("watching rule file", "path", w.path)

	target := filepath.Clean(w.path)
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule watcher error", "error", err)

		case <-timerCh:
			timerCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	res, err := w.store.Load(w.path)
	if err != nil {
		// The previous snapshot stays active.
		w.logger.Error("rule reload failed", "path", w.path, "error", err)
		return
	}
	if w.onReload != nil {
		w.onReload(res)
	}
}
