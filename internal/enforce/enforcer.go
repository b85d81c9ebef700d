// Package enforce holds OS-level exclusive locks on working-tree files that
// are LFS-locked by someone else, to keep local writers off them.
//
// Locks are taken with github.com/gofrs/flock on the target file itself,
// opened read/write without create. The strength of the lock depends on the
// platform and neither matches a write-only share mode exactly:
//
//   - Unix: flock(2) is advisory. Only writers that also take the lock are
//     refused. A plain open(2) for writing, as most editors do, still
//     succeeds.
//   - Windows: LockFileEx with LOCKFILE_EXCLUSIVE_LOCK is mandatory over the
//     whole file. It refuses other writers and also refuses reads of the
//     locked range, so a remotely locked file cannot be read locally while
//     the handle is held.
//
// Acquisition never blocks: a missing file or a contended lock is reported
// and the caller carries on without a handle.
package enforce

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/logging"
)

// Handle is one held OS lock.
type Handle struct {
	path string
	fl   *flock.Flock
}

// Path returns the repo-relative path the handle locks.
func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Observer receives handle statistics.
type Observer interface {
	HandleFailed()
	OpenHandles(n int)
}

// Enforcer opens and tracks handles for one working tree. At most one handle
// is open per path.
type Enforcer struct {
	root     string
	logger   *logging.Logger
	observer Observer

	mu   sync.Mutex
	open map[string]*Handle
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the logger for acquisition failures.
func WithLogger(l *logging.Logger) Option {
	return func(e *Enforcer) { e.logger = l.WithComponent("enforce") }
}

// WithObserver registers a statistics observer.
func WithObserver(o Observer) Option {
	return func(e *Enforcer) { e.observer = o }
}

// New creates an Enforcer for the working tree at root.
func New(root string, opts ...Option) *Enforcer {
	e := &Enforcer{
		root:   root,
		logger: logging.NopLogger(),
		open:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Acquire takes an exclusive lock on path. If a handle for path is already
// open it is returned unchanged. On failure the error wraps
// ErrHandleUnavailable and no handle is recorded.
func (e *Enforcer) Acquire(path string) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.open[path]; ok {
		return h, nil
	}

	abs := filepath.Join(e.root, filepath.FromSlash(path))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, e.fail(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, e.fail(path, errors.New("not a regular file"))
	}

	fl := flock.New(abs, flock.SetFlag(os.O_RDWR))
	locked, err := fl.TryLock()
	if err != nil {
		_ = fl.Close()
		return nil, e.fail(path, err)
	}
	if !locked {
		_ = fl.Close()
		return nil, e.fail(path, errors.New("file is locked by another process"))
	}

	h := &Handle{path: path, fl: fl}
	e.open[path] = h
	e.report()
	return h, nil
}

func (e *Enforcer) fail(path string, cause error) error {
	e.logger.WithPath(path).Warn("could not lock file", "error", cause.Error())
	if e.observer != nil {
		e.observer.HandleFailed()
	}
	return errors.NewGitError("acquire "+path, errors.Join(errors.ErrHandleUnavailable, cause)).
		WithPaths([]string{path}).
		WithSeverity(errors.SeverityWarning)
}

// Release closes h. Releasing nil or an already released handle is a no-op.
func (e *Enforcer) Release(h *Handle) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(h)
	e.report()
}

func (e *Enforcer) releaseLocked(h *Handle) {
	if cur, ok := e.open[h.path]; !ok || cur != h {
		return
	}
	delete(e.open, h.path)
	if err := h.fl.Close(); err != nil {
		e.logger.WithPath(h.path).Warn("could not release file lock", "error", err.Error())
	}
}

// ReleaseAll closes every open handle and returns how many were closed.
func (e *Enforcer) ReleaseAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, h := range e.open {
		e.releaseLocked(h)
		n++
	}
	e.report()
	return n
}

// Held reports whether a handle is open for path.
func (e *Enforcer) Held(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.open[path]
	return ok
}

// OpenCount returns the number of open handles.
func (e *Enforcer) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// report must be called with mu held.
func (e *Enforcer) report() {
	if e.observer != nil {
		e.observer.OpenHandles(len(e.open))
	}
}
