package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last change before
// reloading, so an editor's burst of writes produces one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a Catalog when module files in a directory change.
type Watcher struct {
	catalog  *Catalog
	dir      string
	debounce time.Duration
	onReload func([]Diagnostic, error)
}

// NewWatcher watches dir, which must be the directory the catalog was built
// from. onReload, if non-nil, receives the result of every reload.
func NewWatcher(c *Catalog, dir string, onReload func([]Diagnostic, error)) *Watcher {
	return &Watcher{catalog: c, dir: dir, debounce: DefaultDebounce, onReload: onReload}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer fw.Close()
	if err := watchTree(fw, w.dir); err != nil {
		return fmt.Errorf("catalog watcher: watch %s: %w", w.dir, err)
	}
	slog.Info("Catalog watcher started", "dir", w.dir, "watched", len(fw.WatchList()))

	tick := time.NewTicker(w.debounce / 5)
	defer tick.Stop()

	var lastChange time.Time
	pending := false
	for {
		select {
		case <-ctx.Done():
			slog.Info("Catalog watcher stopped", "dir", w.dir)
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Has(fsnotify.Create) && isWatchableDir(ev.Name) {
				// Modules may already sit in a directory moved into the tree.
				if err := watchTree(fw, ev.Name); err != nil {
					slog.Error("Catalog watcher: watch new directory failed", "dir", ev.Name, "error", err)
				}
			} else if !isModuleFile(ev.Name) && !removedDir(ev) {
				continue
			}
			slog.Debug("Catalog watcher event", "file", ev.Name, "op", ev.Op.String())
			lastChange = time.Now()
			pending = true
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("Catalog watcher error", "error", err)
		case <-tick.C:
			if !pending || time.Since(lastChange) < w.debounce {
				continue
			}
			pending = false
			diags, err := w.catalog.Reload()
			if w.onReload != nil {
				w.onReload(diags, err)
			}
		}
	}
}

// watchTree adds root and every non-hidden directory below it, matching the
// directories the catalog loads modules from.
func watchTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
}

func isWatchableDir(p string) bool {
	if strings.HasPrefix(filepath.Base(p), ".") {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// removedDir reports whether ev may have taken a directory of modules away.
// The path is gone by now, so an extensionless name stands in for a directory.
func removedDir(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Remove|fsnotify.Rename) && filepath.Ext(ev.Name) == "" && !strings.HasPrefix(filepath.Base(ev.Name), ".")
}
