package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a directory must stay quiet before it is
// ingested.
const DefaultDebounce = 5 * time.Second

// Watcher calls OnQuiet once a watched directory has stopped changing for
// the debounce window. Each burst of changes yields one call.
type Watcher struct {
	Dir      string
	Debounce time.Duration
	OnQuiet  func(ctx context.Context) error
	Log      *slog.Logger
}

// Run watches until ctx is done. Errors from OnQuiet are logged, not
// returned, so a failed ingest is retried on the next burst.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	log.Info("watching output directory", "dir", w.Dir, "debounce", debounce)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "dir", w.Dir, "error", err)
		case <-timer.C:
			if err := w.OnQuiet(ctx); err != nil {
				log.Error("ingest after change failed", "dir", w.Dir, "error", err)
			}
		}
	}
}
