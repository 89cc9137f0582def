package definitions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openunify/openunify/pkg/telemetry"
)

// DefaultReloadDelay is how long the watcher waits for changes to settle
// before re-importing.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher re-imports bundle paths when files under them change. Imports go
// through the repository, so every changed record invalidates its cache keys.
type Watcher struct {
	repo        *Repository
	paths       []string
	reloadDelay time.Duration
	logger      *telemetry.Logger

	// OnReload is called after every re-import.
	OnReload func(*ImportResult, error)

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher over paths.
func NewWatcher(repo *Repository, paths []string, logger *telemetry.Logger) *Watcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{
		repo:        repo,
		paths:       paths,
		reloadDelay: DefaultReloadDelay,
		logger:      logger.NewComponentLogger("definitions-watcher"),
	}
}

// SetReloadDelay changes the debounce delay.
func (w *Watcher) SetReloadDelay(d time.Duration) {
	w.reloadDelay = d
}

// Watch starts watching in the background until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			w.logger.WithError(err).WithField("path", path).Warn("failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := w.watchDirectory(path); err != nil {
				w.logger.WithError(err).WithField("path", path).Warn("failed to watch directory")
			}
		} else if err := watcher.Add(path); err != nil {
			w.logger.WithError(err).WithField("path", path).Warn("failed to watch file")
		}
	}

	go w.processEvents(ctx)

	w.logger.WithField("paths", len(w.paths)).Info("started watching definition bundles")
	return nil
}

// watchDirectory adds a directory and its subdirectories to the watcher.
func (w *Watcher) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isBundleFile(event.Name) {
				continue
			}

			w.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("bundle file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.reloadDelay, func() {
				w.reload(ctx)
			})
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.logger.Info("re-importing definition bundles")

	var result *ImportResult
	bundle, err := LoadBundles(w.paths)
	if err == nil {
		result, err = w.repo.Import(ctx, bundle)
	}
	if err != nil {
		w.logger.WithError(err).Error("failed to re-import definition bundles")
	}

	if w.OnReload != nil {
		w.OnReload(result, err)
	}
}
