package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conectividade/fieldsync/internal/survey"
)

// DefaultSettle is how long StoreWatcher waits for writes to stop before
// checking the queue.
const DefaultSettle = 250 * time.Millisecond

// Kicker requests a pass. *Daemon satisfies it.
type Kicker interface {
	Kick()
}

// PendingCounter reports record counts by status. *store.DB satisfies it.
type PendingCounter interface {
	CountByStatus(ctx context.Context) (map[survey.Status]int, error)
}

// StoreWatcher kicks the daemon when another process writes to the survey
// database, e.g. `fieldsync survey add`.
//
// The database file and its WAL are watched through their directory. After
// writes settle, the daemon is kicked only if records are pending, so the
// daemon's own status updates do not start further passes.
type StoreWatcher struct {
	// Path is the database file.
	Path    string
	Counter PendingCounter
	Settle  time.Duration
	Logger  *slog.Logger
}

// Watch runs until ctx is done.
func (w *StoreWatcher) Watch(ctx context.Context, k Kicker) error {
	if w.Path == "" || w.Counter == nil {
		return fmt.Errorf("store watcher needs a path and a counter")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}

	absPath, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve database path %s: %w", w.Path, err)
	}
	watched := map[string]bool{
		absPath:          true,
		absPath + "-wal": true,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(absPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", dir, err)
	}

	timer := time.NewTimer(settle)
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
			if !watched[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(settle)

		case <-timer.C:
			counts, err := w.Counter.CountByStatus(ctx)
			if err != nil {
				logger.Warn("Failed to count pending surveys", "error", err)
				continue
			}
			if n := counts[survey.StatusPending]; n > 0 {
				logger.Debug("Database changed, sync requested", "pending", n)
				k.Kick()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Database watcher error", "path", absPath, "error", err)
		}
	}
}
