package registry

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/jingkaihe/capsule/pkg/logger"
)

// DefaultDebounce is the quiet period before a burst of changes triggers a reload
const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc is called after every reload attempt triggered by the watcher
type ReloadFunc func(ctx context.Context, generation uint64, err error)

// Watcher reloads a Store when files under its roots change
type Watcher struct {
	store    *Store
	roots    []string
	debounce time.Duration
	onReload ReloadFunc
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadCallback registers fn to observe reload results
func WithReloadCallback(fn ReloadFunc) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher creates a watcher over roots for store
func NewWatcher(store *Store, roots []string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    store,
		roots:    roots,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is done. Failed reloads are reported through the
// callback and never stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	log := logger.G(ctx).WithField("component", "registry.watcher")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer fw.Close()

	for _, root := range w.roots {
		if err := w.addTree(fw, root); err != nil {
			return err
		}
	}
	log.WithField("roots", w.roots).Debug("watching manifest roots")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						log.WithError(err).WithField("path", event.Name).Warn("failed to watch new directory")
					}
				}
			}
			log.WithField("file", event.Name).WithField("operation", event.Op.String()).Debug("change detected")

			timer.Reset(w.debounce)
			pending = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Error("error watching files")

		case <-pending:
			pending = nil
			err := w.store.Reload(ctx)
			if err != nil {
				log.WithError(err).Warn("reload after change failed")
			}
			if w.onReload != nil {
				w.onReload(ctx, w.store.Generation(), err)
			}
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "failed to walk %s", p)
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") && d.Name() != ".claude-plugin" {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return errors.Wrapf(err, "failed to watch %s", p)
		}
		return nil
	})
}

// relevant ignores chmod-only events
func relevant(event fsnotify.Event) bool {
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
