package lfs

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/lfslock/internal/vcs"
)

// pollResult is one cycle's fetch together with the state it was
// fetched against.
type pollResult struct {
	snapshot   LockSnapshot
	modGen     uint64
	locks      []vcs.Lock
	locksOK    bool
	modified   []string
	modifiedOK bool
}

// run is the worker loop. It polls on the configured cadence, skips cycles
// while busy and serves queued trigger jobs between cycles.
func (e *Engine) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			e.runJob(ctx, j)
		case <-timer.C:
			if e.busy.Load() {
				timer.Reset(e.cfg.BusyBackoff)
				continue
			}
			e.pollOnce(ctx)
			timer.Reset(e.cfg.PollInterval)
		}
	}
}

func (e *Engine) runJob(ctx context.Context, j job) {
	if r := panics.Try(func() { j.fn(ctx) }); r != nil {
		e.logger.Error("worker job panicked", "job", j.name, "panic", r.String())
	}
}

// pollOnce fetches locks and modified paths and queues the result. The
// snapshot is taken before the fetch so any foreground mutation during the
// fetch also causes a discard.
func (e *Engine) pollOnce(ctx context.Context) {
	r := panics.Try(func() {
		res := pollResult{
			snapshot: e.lockSnapshot(),
			modGen:   e.modifiedGeneration(),
		}

		locks, err := e.git.Locks(ctx)
		if err != nil {
			e.logger.Warn("lock poll failed", "error", err.Error())
		} else {
			res.locks, res.locksOK = locks, true
		}

		modified, err := e.collectModified(ctx)
		res.modified = modified
		res.modifiedOK = err == nil || len(modified) > 0

		if ctx.Err() != nil {
			return
		}
		if e.metrics != nil {
			e.metrics.PollCycles.Inc()
		}
		e.enqueueReconcile(res)
	})
	if r != nil {
		e.logger.Error("poll cycle panicked", "panic", r.String())
	}
}

// PollNow runs one poll cycle on the caller's goroutine and queues its
// result. It lets a caller without a running worker drive reconciliation.
func (e *Engine) PollNow(ctx context.Context) {
	e.pollOnce(ctx)
}
