// Package watcher reports settled file changes in the project directory.
package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// excludedDirs hold build products and tool state, not sources.
var excludedDirs = map[string]bool{
	".git":        true,
	"build":       true,
	"DerivedData": true,
	"Pods":        true,
	".build":      true,
	"xcuserdata":  true,
}

// ChangeCallback receives the project root and how many distinct paths
// changed since the last notification.
type ChangeCallback func(root string, changed int)

// Watcher monitors one project directory tree.
type Watcher struct {
	callback ChangeCallback
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.Mutex
	root      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	timer     *time.Timer
	pending   map[string]struct{}
}

// New creates a watcher that reports through callback.
func New(callback ChangeCallback, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		callback: callback,
		logger:   logger.Named("watcher"),
		debounce: debounceInterval,
		pending:  make(map[string]struct{}),
	}
}

// Watch starts watching dir recursively, replacing any previous root.
func (w *Watcher) Watch(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory: " + dir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, dir); err != nil {
		fsW.Close()
		return err
	}

	w.Unwatch()

	cancel := make(chan struct{})
	w.mu.Lock()
	w.root = dir
	w.fsWatcher = fsW
	w.cancel = cancel
	w.mu.Unlock()

	go w.watchLoop(dir, fsW, cancel)
	w.logger.Info("watching project", zap.String("root", dir))
	return nil
}

// Root returns the directory being watched, or "".
func (w *Watcher) Root() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root
}

// Unwatch stops watching. Pending changes are discarded.
func (w *Watcher) Unwatch() {
	w.mu.Lock()
	fsW, cancel := w.fsWatcher, w.cancel
	w.fsWatcher, w.cancel, w.root = nil, nil, ""
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if fsW != nil {
		close(cancel)
		fsW.Close()
	}
}

// Shutdown stops the watcher.
func (w *Watcher) Shutdown() {
	w.Unwatch()
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(root string, fsW *fsnotify.Watcher, cancel chan struct{}) {
	for {
		select {
		case <-cancel:
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if excludedPath(root, event.Name) {
				continue
			}

			// Watch new directories too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addDirsRecursive(fsW, event.Name); err != nil {
						w.logger.Debug("watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			w.touch(cancel, event.Name)

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.String("root", root), zap.Error(err))
		}
	}
}

// touch records a changed path and restarts the debounce timer.
func (w *Watcher) touch(cancel chan struct{}, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != cancel {
		return
	}
	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(cancel) })
}

func (w *Watcher) flush(cancel chan struct{}) {
	w.mu.Lock()
	if w.cancel != cancel || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	root, changed := w.root, len(w.pending)
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	w.logger.Debug("project changed", zap.String("root", root), zap.Int("changed", changed))
	if w.callback != nil {
		w.callback(root, changed)
	}
}

// excludedPath reports whether path lies below root in an excluded or hidden
// directory, or is a hidden file.
func excludedPath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if excludedDirs[part] || isHidden(part) {
			return true
		}
	}
	return false
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
