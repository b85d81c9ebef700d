package lfs

import (
	"github.com/Iron-Ham/lfslock/internal/vcs"
)

// Action is a user-facing operation offered on a selection of paths.
type Action int

const (
	ActionLock Action = iota
	ActionUnlock
	ActionRevert
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionLock:
		return "lock"
	case ActionUnlock:
		return "unlock"
	case ActionRevert:
		return "revert"
	default:
		return "unknown"
	}
}

// ContextAction reports whether action should be offered for paths. Lock
// needs exactly one lockable path nobody holds, Unlock exactly one path
// held by the local user. Revert is always offered.
func (e *Engine) ContextAction(action Action, paths []string) bool {
	switch action {
	case ActionLock:
		return len(paths) == 1 && e.IsLockable(paths[0]) && !e.IsLocked(paths[0])
	case ActionUnlock:
		return len(paths) == 1 && e.IsLockedByLocalUser(paths[0])
	case ActionRevert:
		return true
	default:
		return false
	}
}

// IsLocked reports whether anyone holds a lock on path.
func (e *Engine) IsLocked(path string) bool {
	_, ok := e.Owner(path)
	return ok
}

// IsLockedByLocalUser reports whether the configured user holds path.
func (e *Engine) IsLockedByLocalUser(path string) bool {
	owner, ok := e.Owner(path)
	return ok && owner == e.cfg.User
}

// Owner returns the owner of the lock on path.
func (e *Engine) Owner(path string) (string, bool) {
	path = vcs.NormalizePath(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	lf, ok := e.locks[path]
	if !ok {
		return "", false
	}
	return lf.Owner, true
}

// Locks returns the lock set sorted by path.
func (e *Engine) Locks() []LockInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockInfosLocked()
}

func (e *Engine) lockInfosLocked() []LockInfo {
	out := make([]LockInfo, 0, len(e.locks))
	for _, k := range sortedKeys(e.locks) {
		lf := e.locks[k]
		out = append(out, LockInfo{
			Path:     lf.Path,
			Owner:    lf.Owner,
			Local:    lf.Owner == e.cfg.User,
			Enforced: lf.handle != nil,
		})
	}
	return out
}

// IsModified reports whether path, or a file below it, has local changes.
func (e *Engine) IsModified(path string) bool {
	path = vcs.NormalizePath(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.modified[path]
	return ok
}

// ModifiedPaths returns the modified set, ancestors included, sorted.
func (e *Engine) ModifiedPaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedSet(e.modified)
}

// Snapshot returns a consistent copy of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	s := Snapshot{
		Locks:              e.lockInfosLocked(),
		Modified:           sortedSet(e.modified),
		LockGeneration:     e.lockGen,
		ModifiedGeneration: e.modGen,
		LockDigest:         e.lockSum,
		ModifiedDigest:     e.modSum,
		Discards:           e.discards,
		Reconciles:         e.reconciles,
	}
	for _, lp := range e.lockable {
		s.LockablePatterns = append(s.LockablePatterns, lp.pattern)
	}
	e.mu.Unlock()

	s.QueueDepth = e.queue.Len()
	s.Busy = e.busy.Load()
	return s
}

func (e *Engine) lockSnapshot() LockSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return LockSnapshot{Count: len(e.locks), Generation: e.lockGen}
}

func (e *Engine) modifiedGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modGen
}
