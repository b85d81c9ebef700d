package lfs

import (
	"github.com/Iron-Ham/lfslock/internal/event"
)

// enqueueReconcile queues the apply half of a poll. A pending poll result
// that has not been applied yet is replaced by the newer one.
func (e *Engine) enqueueReconcile(r pollResult) {
	e.queue.EnqueueKeyed("reconcile", "reconcile", func() error {
		e.applyPoll(r)
		return nil
	})
}

// applyPoll merges a poll result. The lock half is applied only if the
// lock set is still the one the poll was started against; the modified
// half is checked separately against its own generation. Either way the
// lock set is persisted.
//
// This is optimistic and not linearizable: a foreground change between
// snapshot and apply makes the cycle's locks be dropped, and the next poll
// retries.
func (e *Engine) applyPoll(r pollResult) {
	var events []event.Event

	e.mu.Lock()
	if r.locksOK {
		current := LockSnapshot{Count: len(e.locks), Generation: e.lockGen}
		if current == r.snapshot {
			events = append(events, e.replaceLocksLocked(r)...)
		} else {
			e.discards++
			e.countDiscard("locks")
			events = append(events,
				event.NewLocksDiscardedEvent("locks", r.snapshot.Generation, current.Generation))
			e.logger.Debug("discarding poll result, lock set changed",
				"snapshot_gen", r.snapshot.Generation, "current_gen", current.Generation)
		}
	}
	if r.modifiedOK {
		events = append(events, e.applyModifiedLocked(r.modGen, r.modified)...)
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.persistBackground()
	e.publish(events...)
}

// replaceLocksLocked swaps in the polled lock set. An OS lock held for an
// unchanged (path, owner) entry moves to the new entry instead of being
// closed and reopened; every other previous handle is closed before new
// ones are opened. Must be called with mu held.
func (e *Engine) replaceLocksLocked(r pollResult) []event.Event {
	var events []event.Event

	prev := e.locks
	next := make(map[string]*LockedFile, len(r.locks))
	for _, l := range r.locks {
		lf := &LockedFile{Path: l.Path, Owner: l.Owner}
		if old, ok := prev[l.Path]; ok && old.Owner == l.Owner && e.wantsHandle(l.Owner) {
			lf.handle, old.handle = old.handle, nil
		}
		next[l.Path] = lf
	}
	for _, old := range prev {
		e.releaseLocked(old)
	}
	for _, lf := range next {
		events = append(events, e.acquireLocked(lf)...)
	}
	e.locks = next
	e.reconciles++
	e.countReconcile("locks")

	sum := lockDigest(next)
	if sum != e.lockSum {
		e.lockSum = sum
		remote := e.remoteCountLocked()
		events = append(events, event.NewLocksReconciledEvent(len(next), remote, e.lockGen))
	}
	return events
}

func (e *Engine) countReconcile(kind string) {
	if e.metrics != nil {
		e.metrics.Reconciliations.WithLabelValues(kind).Inc()
	}
}

func (e *Engine) countDiscard(kind string) {
	if e.metrics != nil {
		e.metrics.Discards.WithLabelValues(kind).Inc()
	}
}
