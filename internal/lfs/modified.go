package lfs

import (
	"context"
	"sort"
	"strings"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/event"
	"github.com/Iron-Ham/lfslock/internal/vcs"
)

// RevertResult lists what Revert did to each path.
type RevertResult struct {
	Restored []string // checked out from the index
	Removed  []string // untracked, deleted
	Skipped  []string // neither changed nor untracked, left alone
}

// collectModified returns tracked changes plus untracked files. A failing
// command is logged and the other's results are still returned.
func (e *Engine) collectModified(ctx context.Context) ([]string, error) {
	changed, cerr := e.git.ChangedFiles(ctx)
	if cerr != nil {
		e.logger.Warn("diff failed, using partial results", "error", cerr.Error())
	}
	untracked, uerr := e.git.UntrackedFiles(ctx)
	if uerr != nil {
		e.logger.Warn("untracked listing failed, using partial results", "error", uerr.Error())
	}
	return append(changed, untracked...), errors.Join(cerr, uerr)
}

// UpdateModifiedPaths recomputes the modified path set on the caller's
// goroutine. Partial results are applied and the error is returned.
func (e *Engine) UpdateModifiedPaths(ctx context.Context) error {
	paths, err := e.collectModified(ctx)
	set := AncestorClosure(paths, e.cfg.AncestorFloor)

	e.mu.Lock()
	changed := e.replaceModifiedLocked(set)
	e.modGen++
	e.mu.Unlock()

	if changed {
		e.publish(event.NewModifiedChangedEvent(len(set)))
	}
	return err
}

// HandleAssetModified asks the worker to recompute the modified path set.
// The result is applied on a later Tick unless the set was replaced by a
// foreground update in the meantime.
func (e *Engine) HandleAssetModified() error {
	return e.post("modified", func(ctx context.Context) {
		gen := e.modifiedGeneration()
		paths, _ := e.collectModified(ctx)
		if ctx.Err() != nil {
			return
		}
		e.queue.EnqueueKeyed("modified", "modified", func() error {
			e.mu.Lock()
			evs := e.applyModifiedLocked(gen, paths)
			e.mu.Unlock()
			e.publish(evs...)
			return nil
		})
	})
}

// applyModifiedLocked replaces the modified set with the closure of paths
// if no foreground update happened since gen was read. Must be called
// with mu held.
func (e *Engine) applyModifiedLocked(gen uint64, paths []string) []event.Event {
	if e.modGen != gen {
		e.discards++
		e.countDiscard("modified")
		return []event.Event{event.NewLocksDiscardedEvent("modified", gen, e.modGen)}
	}
	set := AncestorClosure(paths, e.cfg.AncestorFloor)
	e.countReconcile("modified")
	if e.replaceModifiedLocked(set) {
		return []event.Event{event.NewModifiedChangedEvent(len(set))}
	}
	return nil
}

// replaceModifiedLocked swaps in set and reports whether its content
// differs from the previous one.
func (e *Engine) replaceModifiedLocked(set map[string]struct{}) bool {
	sum := pathDigest(set)
	changed := sum != e.modSum
	e.modified = set
	e.modSum = sum
	e.updateGaugesLocked()
	return changed
}

// Revert discards local changes to paths. Only paths in the modified set
// are touched: files with unstaged changes are checked out from the index
// and untracked files are deleted. Anything else, including files whose
// changes are only staged, is skipped. A directory stands for the modified
// files below it. The modified set is recomputed afterwards.
func (e *Engine) Revert(ctx context.Context, paths []string) (RevertResult, error) {
	var result RevertResult
	paths = normalizePaths(paths)
	if len(paths) == 0 {
		return result, errors.NewGitError("revert: no paths given", errors.ErrInvalidInput)
	}

	targets := e.expandDirs(paths)
	if len(targets) == 0 {
		return result, nil
	}

	changed, err := e.git.ChangedFiles(ctx)
	if err != nil {
		return result, err
	}
	untracked, err := e.git.UntrackedFiles(ctx)
	if err != nil {
		return result, err
	}
	isChanged := toSet(changed)
	isUntracked := toSet(untracked)

	for _, p := range targets {
		switch {
		case has(isChanged, p):
			result.Restored = append(result.Restored, p)
		case has(isUntracked, p):
			result.Removed = append(result.Removed, p)
		default:
			result.Skipped = append(result.Skipped, p)
		}
	}
	if len(result.Skipped) > 0 {
		e.logger.Info("revert skipped unmodified paths", "paths", strings.Join(result.Skipped, " "))
	}

	if err := e.git.Checkout(ctx, result.Restored); err != nil {
		return result, err
	}
	var removeErrs []error
	for _, p := range result.Removed {
		if rerr := e.git.RemoveFile(p); rerr != nil {
			removeErrs = append(removeErrs, rerr)
		}
	}
	e.logger.Info("reverted",
		"restored", strings.Join(result.Restored, " "),
		"removed", strings.Join(result.Removed, " "))

	if uerr := e.UpdateModifiedPaths(ctx); uerr != nil {
		e.logger.Warn("modified recompute after revert failed", "error", uerr.Error())
	}
	return result, errors.Join(removeErrs...)
}

// expandDirs replaces each directory with the modified files below it and
// drops file arguments that are not modified.
func (e *Engine) expandDirs(paths []string) []string {
	e.mu.Lock()
	modified := make(map[string]struct{}, len(e.modified))
	for p := range e.modified {
		modified[p] = struct{}{}
	}
	e.mu.Unlock()
	sorted := sortedSet(modified)

	var out []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range paths {
		if !e.git.IsDir(p) {
			if has(modified, p) {
				add(p)
			}
			continue
		}
		prefix := p + "/"
		for _, m := range sorted {
			if strings.HasPrefix(m, prefix) && e.git.FileExists(m) {
				add(m)
			}
		}
	}
	return out
}

// ChangedFiles returns tracked files with unstaged changes.
func (e *Engine) ChangedFiles(ctx context.Context) ([]string, error) {
	return e.git.ChangedFiles(ctx)
}

// CurrentBranch returns the checked-out branch.
func (e *Engine) CurrentBranch(ctx context.Context) (string, error) {
	return e.git.CurrentBranch(ctx)
}

// TrackedFiles returns every file tracked on the current branch, sorted.
func (e *Engine) TrackedFiles(ctx context.Context) ([]string, error) {
	branch, err := e.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	files, err := e.git.TrackedFiles(ctx, branch)
	sort.Strings(files)
	return files, err
}

// CheckVersion returns the installed git version, failing with
// ErrGitUnsupported when it is too old for lock handling.
func (e *Engine) CheckVersion(ctx context.Context) (vcs.Version, error) {
	v, err := e.git.Version(ctx)
	if err != nil {
		return v, err
	}
	if !v.Supported() {
		return v, errors.NewGitError("git "+v.Raw+" is too old", errors.ErrGitUnsupported)
	}
	return v, nil
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

func has(set map[string]struct{}, p string) bool {
	_, ok := set[p]
	return ok
}
