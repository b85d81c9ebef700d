package lfs

import (
	"context"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/event"
	"github.com/Iron-Ham/lfslock/internal/gitcmd"
	"github.com/Iron-Ham/lfslock/internal/lockcache"
	"github.com/Iron-Ham/lfslock/internal/vcs"
)

// outcome is what a lock or unlock result requires of the lock set.
type outcome int

const (
	outcomeApply     outcome = iota // command succeeded, record it
	outcomeRefresh                  // result unknown, resync from the server
	outcomeUntouched                // failed in a way that leaves state valid
)

func stdoutContains(res *gitcmd.Result, marker string) bool {
	for _, line := range res.Stdout {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func stderrContains(res *gitcmd.Result, marker string) bool {
	for _, line := range res.Stderr {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func lockFailure(res *gitcmd.Result, paths []string, cause error) error {
	return errors.NewGitError("lock failed", errors.Join(errors.ErrLockFailed, cause)).
		WithCommand(res.Command()).
		WithPaths(paths).
		WithGitOutput(strings.TrimSpace(res.Output() + "\n" + res.ErrorOutput()))
}

// classifyLock interprets an `lfs lock` result.
func classifyLock(res *gitcmd.Result, paths []string, runErr error) (outcome, error) {
	switch {
	case errors.Is(runErr, errors.ErrCanceled):
		return outcomeUntouched, lockFailure(res, paths, runErr)
	case runErr != nil:
		return outcomeRefresh, lockFailure(res, paths, runErr)
	case len(res.Stderr) > 0:
		return outcomeRefresh, lockFailure(res, paths, errors.ErrCommandFailed)
	case !stdoutContains(res, "Locked"):
		return outcomeRefresh, lockFailure(res, paths, errors.New("no confirmation from git-lfs"))
	}
	return outcomeApply, nil
}

func unlockFailure(res *gitcmd.Result, paths []string, cause error) *errors.GitError {
	return errors.NewGitError("unlock failed", cause).
		WithCommand(res.Command()).
		WithPaths(paths).
		WithGitOutput(strings.TrimSpace(res.Output() + "\n" + res.ErrorOutput()))
}

// classifyUnlock interprets an `lfs unlock` result. A refusal because of
// uncommitted changes is the user's to resolve and leaves the lock set as
// it is.
func classifyUnlock(res *gitcmd.Result, paths []string, runErr error) (outcome, error) {
	switch {
	case stderrContains(res, "uncommitted"):
		return outcomeUntouched, unlockFailure(res, paths, errors.ErrUncommittedChanges)
	case errors.Is(runErr, errors.ErrCanceled):
		return outcomeUntouched, unlockFailure(res, paths, errors.Join(errors.ErrUnlockFailed, runErr))
	case runErr != nil:
		return outcomeRefresh, unlockFailure(res, paths, errors.Join(errors.ErrUnlockFailed, runErr))
	case len(res.Stderr) > 0:
		return outcomeRefresh, unlockFailure(res, paths, errors.Join(errors.ErrUnlockFailed, errors.ErrCommandFailed))
	case !stdoutContains(res, "Unlocked"):
		return outcomeRefresh, unlockFailure(res, paths,
			errors.Join(errors.ErrUnlockFailed, errors.New("no confirmation from git-lfs")))
	}
	return outcomeApply, nil
}

func (e *Engine) preparePaths(op string, paths []string) ([]string, error) {
	if e.cfg.User == "" {
		return nil, errors.NewGitError(op+": user name is not configured", errors.ErrInvalidInput)
	}
	paths = normalizePaths(paths)
	if len(paths) == 0 {
		return nil, errors.NewGitError(op+": no paths given", errors.ErrInvalidInput)
	}
	return paths, nil
}

// Lock locks paths on the server as the local user. On success the paths
// are recorded as locally owned. Any failure other than cancellation
// triggers a full refresh so the lock set matches the server again.
func (e *Engine) Lock(ctx context.Context, paths []string) error {
	paths, err := e.preparePaths("lock", paths)
	if err != nil {
		return err
	}

	res, runErr := e.git.Lock(ctx, paths)
	out, err := classifyLock(res, paths, runErr)
	return e.finishLock(ctx, out, err, paths, e.applyLocked)
}

// Unlock releases the local user's locks on paths. When git-lfs refuses
// because a file has uncommitted changes the error wraps
// ErrUncommittedChanges, carries git's output and the lock set is left
// unchanged. Other failures trigger a full refresh.
func (e *Engine) Unlock(ctx context.Context, paths []string) error {
	paths, err := e.preparePaths("unlock", paths)
	if err != nil {
		return err
	}

	res, runErr := e.git.Unlock(ctx, paths)
	out, err := classifyUnlock(res, paths, runErr)
	return e.finishLock(ctx, out, err, paths, e.applyUnlocked)
}

func (e *Engine) finishLock(ctx context.Context, out outcome, opErr error, paths []string, apply func([]string)) error {
	switch out {
	case outcomeApply:
		apply(paths)
		return nil
	case outcomeRefresh:
		e.logger.Warn("lock command failed, refreshing from server",
			"paths", strings.Join(paths, " "), "error", opErr.Error())
		if err := e.RefreshLocks(ctx); err != nil {
			e.logger.Warn("refresh after failed lock command failed", "error", err.Error())
		}
	default:
		e.logger.Warn("lock command failed", "paths", strings.Join(paths, " "), "error", opErr.Error())
		if err := e.persist(ctx); err != nil {
			e.logger.Debug("persist after failed lock command", "error", err.Error())
		}
	}
	return opErr
}

// RequestLock asks the worker to lock paths. The lock command runs on the
// worker; its result is applied on a later Tick. Paths already locked by
// the local user are skipped.
func (e *Engine) RequestLock(paths []string) error {
	paths, err := e.preparePaths("lock", paths)
	if err != nil {
		return err
	}
	var pending []string
	for _, p := range paths {
		if !e.IsLockedByLocalUser(p) {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	return e.post("lock", func(ctx context.Context) {
		res, runErr := e.git.Lock(ctx, pending)
		out, err := classifyLock(res, pending, runErr)
		switch out {
		case outcomeApply:
			e.queue.Enqueue("lock", func() error {
				e.applyLocked(pending)
				return nil
			})
		case outcomeRefresh:
			e.logger.Warn("requested lock failed, refreshing from server", "error", err.Error())
			e.fetchRefresh(ctx)
		default:
			e.logger.Warn("requested lock failed", "error", err.Error())
		}
	})
}

// applyLocked records paths as owned by the local user.
func (e *Engine) applyLocked(paths []string) {
	e.mu.Lock()
	for _, p := range paths {
		if old, ok := e.locks[p]; ok {
			e.releaseLocked(old)
		}
		e.locks[p] = &LockedFile{Path: p, Owner: e.cfg.User}
	}
	e.lockGen++
	e.lockSum = lockDigest(e.locks)
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.logger.Info("locked", "paths", strings.Join(paths, " "))
	e.persistBackground()
	e.publish(event.NewLockAcquiredEvent(paths, e.cfg.User))
}

// applyUnlocked removes paths from the lock set.
func (e *Engine) applyUnlocked(paths []string) {
	e.mu.Lock()
	for _, p := range paths {
		if old, ok := e.locks[p]; ok {
			e.releaseLocked(old)
			delete(e.locks, p)
		}
	}
	e.lockGen++
	e.lockSum = lockDigest(e.locks)
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.logger.Info("unlocked", "paths", strings.Join(paths, " "))
	e.persistBackground()
	e.publish(event.NewLockReleasedEvent(paths))
}

// RefreshLocks rebuilds the lock set from `lfs locks`. Every OS lock is
// closed first. If the listing fails the lock set is left empty and the
// next poll fills it.
func (e *Engine) RefreshLocks(ctx context.Context) error {
	locks, err := e.git.Locks(ctx)
	e.applyRefresh(locks, err)
	if err := e.persist(ctx); err != nil {
		e.logger.Debug("persist after refresh", "error", err.Error())
	}
	return err
}

// fetchRefresh lists locks on the worker and queues the rebuild.
func (e *Engine) fetchRefresh(ctx context.Context) {
	locks, err := e.git.Locks(ctx)
	e.queue.Enqueue("refresh", func() error {
		e.applyRefresh(locks, err)
		e.persistBackground()
		return err
	})
}

func (e *Engine) applyRefresh(locks []vcs.Lock, fetchErr error) {
	e.mu.Lock()
	for _, lf := range e.locks {
		e.releaseLocked(lf)
	}
	e.locks = make(map[string]*LockedFile, len(locks))
	var events []event.Event
	if fetchErr == nil {
		for _, l := range locks {
			lf := &LockedFile{Path: l.Path, Owner: l.Owner}
			events = append(events, e.acquireLocked(lf)...)
			e.locks[l.Path] = lf
		}
	}
	e.lockGen++
	e.lockSum = lockDigest(e.locks)
	count, remote, gen := len(e.locks), e.remoteCountLocked(), e.lockGen
	e.updateGaugesLocked()
	e.mu.Unlock()

	if fetchErr != nil {
		e.logger.Warn("lock refresh failed", "error", fetchErr.Error())
	} else {
		e.logger.Debug("locks refreshed", "count", count, "remote", remote)
	}
	events = append(events, event.NewLocksReconciledEvent(count, remote, gen))
	e.publish(events...)
}

func (e *Engine) remoteCountLocked() int {
	n := 0
	for _, lf := range e.locks {
		if lf.Owner != e.cfg.User {
			n++
		}
	}
	return n
}

// Reload rebuilds the lock set. Without force the cached record is used
// when it was written by this process; otherwise, or with force, the lock
// set is rebuilt from the server before any lock is trusted.
func (e *Engine) Reload(ctx context.Context, force bool) error {
	if !force {
		recs, status, err := e.cache.Load(ctx)
		if status == lockcache.StatusTrusted {
			e.applyCached(recs)
			return nil
		}
		reason := status.String()
		if err != nil {
			e.logger.Info("lock cache not trusted, refreshing", "status", reason, "error", err.Error())
		}
		e.publish(event.NewCacheStaleEvent(reason))
	} else {
		e.publish(event.NewCacheStaleEvent("forced"))
	}
	return e.RefreshLocks(ctx)
}

// RefreshAll re-reads lockable patterns and force-reloads the lock set.
func (e *Engine) RefreshAll(ctx context.Context) error {
	typesErr := e.RefreshLockableTypes(ctx)
	locksErr := e.Reload(ctx, true)
	return errors.Join(typesErr, locksErr)
}

func (e *Engine) applyCached(recs []lockcache.Entry) {
	e.mu.Lock()
	for _, lf := range e.locks {
		e.releaseLocked(lf)
	}
	e.locks = make(map[string]*LockedFile, len(recs))
	var events []event.Event
	for _, r := range recs {
		p := vcs.NormalizePath(r.Path)
		if p == "" {
			continue
		}
		lf := &LockedFile{Path: p, Owner: r.User}
		events = append(events, e.acquireLocked(lf)...)
		e.locks[p] = lf
	}
	e.lockGen++
	e.lockSum = lockDigest(e.locks)
	count := len(e.locks)
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.logger.Debug("lock set restored from cache", "count", count)
	e.publish(events...)
}

// RefreshLockableTypes reads `lfs track` and replaces the lockable pattern
// set. On failure the previous set is kept.
func (e *Engine) RefreshLockableTypes(ctx context.Context) error {
	patterns, err := e.git.TrackPatterns(ctx)
	if err != nil {
		return err
	}
	compiled := make([]lockablePattern, 0, len(patterns))
	for _, p := range patterns {
		g, cerr := glob.Compile(p, '/')
		if cerr != nil {
			e.logger.Warn("skipping unparseable lfs pattern", "pattern", p, "error", cerr.Error())
			continue
		}
		compiled = append(compiled, lockablePattern{
			pattern:  p,
			fullPath: strings.Contains(p, "/"),
			g:        g,
		})
	}

	e.mu.Lock()
	e.lockable = compiled
	e.mu.Unlock()
	e.logger.Debug("lockable patterns refreshed", "patterns", strings.Join(patterns, " "))
	return nil
}

// CheckLockable returns an ErrNotLockable error listing the paths that match
// no LFS-tracked pattern, or nil when all of them do.
func (e *Engine) CheckLockable(paths []string) error {
	var bad []string
	for _, p := range normalizePaths(paths) {
		if !e.IsLockable(p) {
			bad = append(bad, p)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return errors.NewGitError("no lockable pattern matches", errors.ErrNotLockable).
		WithPaths(bad).
		WithSeverity(errors.SeverityWarning)
}

// IsLockable reports whether path matches an LFS-tracked pattern. Patterns
// without a slash match the file name; others match the whole path.
func (e *Engine) IsLockable(p string) bool {
	p = strings.ToLower(vcs.NormalizePath(p))
	if p == "" {
		return false
	}
	base := path.Base(p)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, lp := range e.lockable {
		if lp.fullPath {
			if lp.g.Match(p) {
				return true
			}
			continue
		}
		if lp.g.Match(base) {
			return true
		}
	}
	return false
}

// LockablePatterns returns the patterns read from `lfs track`.
func (e *Engine) LockablePatterns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.lockable))
	for _, lp := range e.lockable {
		out = append(out, lp.pattern)
	}
	return out
}
