package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 100 * time.Millisecond

// Watch refreshes the registry whenever version directories under the
// engines root appear, vanish or change. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	root, err := filepath.Abs(r.opts.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("failed to watch engines root: %w", err)
	}
	depth := watchDepth(r.opts.Interpreter)
	r.syncVersionWatches(watcher, root)

	// Refreshes run on the watch goroutine; the timer only signals.
	trigger := make(chan struct{}, 1)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
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
			if !relevant(root, depth, event) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case <-trigger:
			if err := r.Refresh(); err != nil {
				r.logger.Error("Error reloading engine versions", "error", err)
				continue
			}
			// Anything created before a new watch took effect was missed,
			// so rescan once more.
			if r.syncVersionWatches(watcher, root) {
				select {
				case trigger <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Watcher error", "error", err)
		}
	}
}

// relevant keeps events on version directories and on the directories
// leading to their interpreter, at most depth levels below root.
func relevant(root string, depth int, event fsnotify.Event) bool {
	if !(event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Chmod)) {
		return false
	}
	rel, err := filepath.Rel(root, filepath.Clean(event.Name))
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}
	return strings.Count(rel, "/") <= depth
}

// watchDepth is how far below root an interpreter lives, e.g. 3 for
// <version>/venv/bin/python.
func watchDepth(interpreter string) int {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(interpreter)), "/")
	return max(len(parts), 1)
}

// syncVersionWatches watches every version directory and each existing
// directory on the way to its interpreter, so an environment completing in
// place is noticed. It reports whether a watch was added.
func (r *Registry) syncVersionWatches(watcher *fsnotify.Watcher, root string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	watched := make(map[string]struct{})
	for _, p := range watcher.WatchList() {
		watched[p] = struct{}{}
	}

	interpreterDir := filepath.Dir(filepath.Clean(r.opts.Interpreter))
	var steps []string
	if interpreterDir != "." {
		steps = strings.Split(filepath.ToSlash(interpreterDir), "/")
	}

	added := false
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		for i := 0; i <= len(steps); i++ {
			if i > 0 {
				dir = filepath.Join(dir, steps[i-1])
			}
			if _, ok := watched[dir]; ok {
				continue
			}
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				break
			}
			if err := watcher.Add(dir); err != nil {
				r.logger.Debug("Cannot watch engine directory", "dir", dir, "error", err)
				break
			}
			watched[dir] = struct{}{}
			added = true
		}
	}
	return added
}
