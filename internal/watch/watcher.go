// Package watch turns working tree file events into engine triggers.
//
// Saves are debounced since most editors emit several events per save.
// Every batch triggers an asynchronous recompute of the modified path set;
// a write to a file matching an auto-lock pattern also requests a lock on it.
package watch

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/lfslock/internal/logging"
)

// DefaultDebounce is how long the watcher waits for events to settle.
const DefaultDebounce = 50 * time.Millisecond

// Engine is the part of the lock engine the watcher drives.
type Engine interface {
	HandleAssetModified() error
	RequestLock(paths []string) error
	IsLockedByLocalUser(path string) bool
}

type pattern struct {
	fullPath bool
	g        glob.Glob
}

// Watcher watches a working tree recursively.
type Watcher struct {
	root     string
	engine   Engine
	fsw      *fsnotify.Watcher
	logger   *logging.Logger
	debounce time.Duration

	// Base names never descended into or reported (.git, state dirs).
	ignore   []string
	autoLock []pattern

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher) error

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) error {
		w.logger = l.WithComponent("watch")
		return nil
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) error {
		if d > 0 {
			w.debounce = d
		}
		return nil
	}
}

// WithIgnore adds directory or file names to skip.
func WithIgnore(names ...string) Option {
	return func(w *Watcher) error {
		w.ignore = append(w.ignore, names...)
		return nil
	}
}

// WithAutoLock requests a lock whenever a file matching one of patterns is
// written. Patterns are matched case-insensitively against the file name,
// or against the whole path when they contain a slash.
func WithAutoLock(patterns []string) Option {
	return func(w *Watcher) error {
		for _, p := range patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			g, err := glob.Compile(p, '/')
			if err != nil {
				return fmt.Errorf("auto-lock pattern %q: %w", p, err)
			}
			w.autoLock = append(w.autoLock, pattern{fullPath: strings.Contains(p, "/"), g: g})
		}
		return nil
	}
}

// New creates a Watcher for the working tree at root.
func New(root string, engine Engine, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root is not a directory: %s", root)
	}

	w := &Watcher{
		root:     root,
		engine:   engine,
		logger:   logging.NopLogger(),
		debounce: DefaultDebounce,
		ignore:   []string{".git", ".DS_Store"},
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsw = fsw
	return w, nil
}

// Start adds the tree to the watcher and begins processing events.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.root); err != nil {
		return err
	}
	w.watchDirRecursive(w.root)
	go w.loop()
	return nil
}

// Stop ends event processing. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
}

// Done is closed when the event loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) watchDirRecursive(dir string) {
	_ = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if w.ignored(filepath.Base(p)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				w.logger.Debug("could not watch directory", "dir", p, "error", err.Error())
			}
		}
		return nil
	})
}

func (w *Watcher) ignored(name string) bool {
	for _, ig := range w.ignore {
		if name == ig {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	defer close(w.done)

	debounce := time.NewTimer(0)
	<-debounce.C

	pending := make(map[string]fsnotify.Op)

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.ignored(info.Name()) {
					w.watchDirRecursive(ev.Name)
				}
			}
			pending[ev.Name] |= ev.Op
			debounce.Reset(w.debounce)

		case <-debounce.C:
			batch := pending
			pending = make(map[string]fsnotify.Op)
			w.flush(batch)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err.Error())
		}
	}
}

// flush turns one debounced batch into engine triggers.
func (w *Watcher) flush(batch map[string]fsnotify.Op) {
	changed := false
	var lock []string
	for name, op := range batch {
		rel, ok := w.relative(name)
		if !ok {
			continue
		}
		changed = true
		if op&fsnotify.Write != 0 && w.autoLocks(rel) && !w.engine.IsLockedByLocalUser(rel) {
			lock = append(lock, rel)
		}
	}
	if !changed {
		return
	}

	if err := w.engine.HandleAssetModified(); err != nil {
		w.logger.Warn("modified recompute not scheduled", "error", err.Error())
	}
	if len(lock) > 0 {
		sort.Strings(lock)
		w.logger.Info("auto-locking saved files", "paths", strings.Join(lock, " "))
		if err := w.engine.RequestLock(lock); err != nil {
			w.logger.Warn("auto-lock not scheduled", "error", err.Error())
		}
	}
}

// relative maps an event path to a slash-separated repository path, or
// reports false for ignored and out-of-tree paths.
func (w *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if w.ignored(part) {
			return "", false
		}
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) autoLocks(rel string) bool {
	lower := strings.ToLower(rel)
	base := path.Base(lower)
	for _, p := range w.autoLock {
		if p.fullPath && p.g.Match(lower) || !p.fullPath && p.g.Match(base) {
			return true
		}
	}
	return false
}
