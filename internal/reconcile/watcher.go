package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/store"
)

const watchDebounce = 500 * time.Millisecond

// WatchProjects re-reconciles projects whenever projects.json changes.
// Editors replace files rather than write in place, so the watch is on the
// containing directory and events are debounced.
func WatchProjects(ctx context.Context, st *store.Store, configPath string, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		return err
	}

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerCh = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("projects config watch error", logfields.Error(err))
		case <-timerCh:
			log.Info("projects config changed, reconciling", logfields.Path(configPath))
			if err := ReconcileProjects(ctx, st, configPath, log); err != nil {
				log.Error("project reconciliation failed", logfields.Error(err))
			}
		}
	}
}
