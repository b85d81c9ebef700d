// Package lfs implements the git-lfs lock and status synchronization engine.
//
// An [Engine] owns the lock set, the modified path set and the action
// queue. A background worker polls `git lfs locks` and the working tree
// status on a fixed cadence and hands each result to the foreground as a
// queued action. The foreground applies at most one action per [Engine.Tick]
// and only if the state it was computed against has not been changed by a
// foreground mutation in the meantime; otherwise the result is discarded
// and the next poll retries.
//
// Files locked by other users are held open with an exclusive OS lock while
// edit prevention is enabled, so local writers cannot change them.
//
// Every operation that runs git has two halves: a fetch that runs the
// command and an apply that mutates state. The synchronous API (Lock,
// Unlock, RefreshLocks, UpdateModifiedPaths) runs both on the caller's
// goroutine. Triggers (RequestLock, HandleAssetModified) run the fetch on
// the worker and queue the apply for Tick, so a caller driving Tick never
// waits on git.
package lfs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/lfslock/internal/enforce"
	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/event"
	"github.com/Iron-Ham/lfslock/internal/lockcache"
	"github.com/Iron-Ham/lfslock/internal/logging"
	"github.com/Iron-Ham/lfslock/internal/metrics"
	"github.com/Iron-Ham/lfslock/internal/syncq"
	"github.com/Iron-Ham/lfslock/internal/vcs"
)

// Config holds engine settings.
type Config struct {
	// User is the LFS lock owner name of the local user.
	User string
	// PreventEditsOnRemoteLock holds OS locks on files locked by others.
	PreventEditsOnRemoteLock bool
	// PollInterval is the delay between background poll cycles.
	PollInterval time.Duration
	// BusyBackoff is how long the worker sleeps while the engine is busy.
	BusyBackoff time.Duration
	// AncestorFloor is the shallowest directory depth added to the
	// modified set.
	AncestorFloor int
	// ShutdownTimeout bounds how long Stop waits for the worker.
	ShutdownTimeout time.Duration
	// PersistTimeout bounds each write to the lock cache.
	PersistTimeout time.Duration
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		PreventEditsOnRemoteLock: true,
		PollInterval:             2 * time.Second,
		BusyBackoff:              100 * time.Millisecond,
		AncestorFloor:            1,
		ShutdownTimeout:          2 * time.Second,
		PersistTimeout:           2 * time.Second,
	}
}

// Deps are the collaborators an Engine drives. Git, Enforcer and Cache are
// required; the rest default to no-op or fresh instances.
type Deps struct {
	Git      *vcs.Client
	Enforcer *enforce.Enforcer
	Cache    *lockcache.Cache
	Queue    *syncq.Queue
	Bus      *event.Bus
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// jobBuffer is the capacity of the worker's trigger channel.
const jobBuffer = 64

type job struct {
	name string
	fn   func(ctx context.Context)
}

type lockablePattern struct {
	pattern  string
	fullPath bool
	g        glob.Glob
}

// Engine is the synchronization engine for one working tree.
type Engine struct {
	cfg      Config
	git      *vcs.Client
	enforcer *enforce.Enforcer
	cache    *lockcache.Cache
	queue    *syncq.Queue
	bus      *event.Bus
	metrics  *metrics.Metrics
	logger   *logging.Logger

	// mu guards the fields below. Critical sections never span a git call.
	mu         sync.Mutex
	locks      map[string]*LockedFile
	lockGen    uint64
	lockSum    uint64
	modified   map[string]struct{}
	modGen     uint64
	modSum     uint64
	lockable   []lockablePattern
	discards   int
	reconciles int

	busy atomic.Bool

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	worker  *conc.WaitGroup
	jobs    chan job
}

// New creates an Engine. It does not touch git until Start.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = def.BusyBackoff
	}
	if cfg.AncestorFloor < 1 {
		cfg.AncestorFloor = def.AncestorFloor
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	queue := deps.Queue
	if queue == nil {
		queue = syncq.New(syncq.WithLogger(logger))
	}
	bus := deps.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}

	e := &Engine{
		cfg:      cfg,
		git:      deps.Git,
		enforcer: deps.Enforcer,
		cache:    deps.Cache,
		queue:    queue,
		bus:      bus,
		metrics:  deps.Metrics,
		logger:   logger.WithComponent("engine"),
		locks:    make(map[string]*LockedFile),
		modified: make(map[string]struct{}),
		jobs:     make(chan job, jobBuffer),
	}
	e.lockSum = lockDigest(e.locks)
	e.modSum = pathDigest(e.modified)
	return e
}

// Bus returns the event bus the engine publishes on.
func (e *Engine) Bus() *event.Bus {
	return e.bus
}

// Config returns the settings in effect.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start verifies the working tree, loads the cached lock set (or rebuilds
// it from the server), reads the lockable patterns and launches the
// background worker. The worker stops when ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.running {
		return nil
	}

	root, err := e.git.Toplevel(ctx)
	if err != nil {
		e.logger.Error("unable to find git root, lock sync disabled", "error", err.Error())
		return err
	}
	e.logger.Info("starting lock sync", "root", root, "user", e.cfg.User)

	if err := e.Reload(ctx, false); err != nil {
		e.logger.Warn("initial lock load failed", "error", err.Error())
	}
	if err := e.RefreshLockableTypes(ctx); err != nil {
		e.logger.Warn("could not read lockable patterns", "error", err.Error())
	}

	wctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.worker = conc.NewWaitGroup()
	e.worker.Go(func() { e.run(wctx) })
	e.running = true
	return nil
}

// Stop cancels the worker and waits for it up to the shutdown timeout,
// applies queued results, releases every OS lock and persists the final
// lock set. Calling Stop on a stopped engine only flushes.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.running {
		e.cancel()
		done := make(chan struct{})
		go func() {
			if r := e.worker.WaitAndRecover(); r != nil {
				e.logger.Error("worker panicked", "panic", r.String())
			}
			close(done)
		}()

		timer := time.NewTimer(e.cfg.ShutdownTimeout)
		select {
		case <-done:
		case <-timer.C:
			e.logger.Warn("worker did not stop in time, abandoning it",
				"timeout", e.cfg.ShutdownTimeout.String())
		case <-ctx.Done():
			e.logger.Warn("stop canceled before worker exited")
		}
		timer.Stop()
		e.running = false
	}

	if n := e.queue.DrainAll(); n > 0 {
		e.logger.Debug("applied queued actions on stop", "count", n)
	}

	e.mu.Lock()
	for _, lf := range e.locks {
		lf.handle = nil
	}
	e.mu.Unlock()
	released := e.enforcer.ReleaseAll()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	err := e.persist(pctx)
	e.logger.Info("lock sync stopped", "released_handles", released)
	return err
}

// Running reports whether the worker has been started and not stopped.
func (e *Engine) Running() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.running
}

// Tick applies at most one queued action and reports whether one ran.
// Errors from the action are logged by the queue and returned.
func (e *Engine) Tick() (bool, error) {
	return e.queue.DrainOne()
}

// SetBusy marks the host as busy. While busy the worker skips poll cycles
// and re-checks after the busy backoff. Entering busy flushes the lock set
// to the cache.
func (e *Engine) SetBusy(busy bool) {
	was := e.busy.Swap(busy)
	if busy && !was {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
		defer cancel()
		if err := e.persist(ctx); err != nil {
			e.logger.Warn("flush on busy failed", "error", err.Error())
		}
	}
}

// Busy reports the busy flag.
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

// post hands a job to the worker without blocking.
func (e *Engine) post(name string, fn func(ctx context.Context)) error {
	if !e.Running() {
		return errors.NewGitError(name+": engine not running", errors.ErrInvalidInput)
	}
	select {
	case e.jobs <- job{name: name, fn: fn}:
		return nil
	default:
		e.logger.Warn("worker busy, dropping request", "job", name)
		return errors.NewGitError(name+": worker busy", errors.ErrCanceled).WithRetryable(true)
	}
}

// persist writes the lock set to the cache.
func (e *Engine) persist(ctx context.Context) error {
	e.mu.Lock()
	recs := entries(e.locks)
	e.mu.Unlock()

	if err := e.cache.Save(ctx, recs); err != nil {
		e.logger.Warn("could not persist lock set", "error", err.Error())
		return err
	}
	return nil
}

// persistBackground persists with its own deadline, for queued actions.
func (e *Engine) persistBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
	defer cancel()
	_ = e.persist(ctx)
}

// wantsHandle reports whether a lock owned by owner must be enforced.
func (e *Engine) wantsHandle(owner string) bool {
	return e.cfg.PreventEditsOnRemoteLock && owner != e.cfg.User
}

// acquireLocked opens an OS lock for lf if its owner requires one. Must be
// called with mu held. Failure leaves the handle nil and is reported after
// the caller unlocks through the returned events.
func (e *Engine) acquireLocked(lf *LockedFile) []event.Event {
	if !e.wantsHandle(lf.Owner) || lf.handle != nil {
		return nil
	}
	h, err := e.enforcer.Acquire(lf.Path)
	if err != nil {
		return []event.Event{event.NewHandleFailedEvent(lf.Path, lf.Owner, err)}
	}
	lf.handle = h
	return nil
}

// releaseLocked closes lf's OS lock, if any. Must be called with mu held.
func (e *Engine) releaseLocked(lf *LockedFile) {
	if lf.handle != nil {
		e.enforcer.Release(lf.handle)
		lf.handle = nil
	}
}

// publish sends events outside the state lock.
func (e *Engine) publish(events ...event.Event) {
	for _, ev := range events {
		e.bus.Publish(ev)
	}
}

// updateGaugesLocked must be called with mu held.
func (e *Engine) updateGaugesLocked() {
	if e.metrics == nil {
		return
	}
	e.metrics.LockedFiles.Set(float64(len(e.locks)))
	e.metrics.ModifiedPaths.Set(float64(len(e.modified)))
}
