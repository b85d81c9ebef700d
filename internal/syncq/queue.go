// Package syncq provides the single-consumer action queue that carries work
// from the background worker to the foreground tick.
//
// The worker enqueues deferred actions; the owner drains at most one per
// tick with [Queue.DrainOne]. Each action runs inside its own failure
// boundary: a returned error or a panic is logged and reported, and the
// next tick continues with the next action.
//
// The queue is unbounded. Keyed actions coalesce: enqueuing an action whose
// key is already pending replaces the pending action in place, so repeated
// results of the same kind never pile up behind a slow consumer.
package syncq

import (
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/logging"
)

// Action is a deferred unit of foreground work.
type Action func() error

// DefaultHighWater is the depth above which a warning is logged.
const DefaultHighWater = 64

// Observer receives queue statistics.
type Observer interface {
	QueueDepth(depth int)
	ActionFailed(name string)
}

type item struct {
	key  string
	name string
	fn   Action
}

// Queue is a mutex-guarded FIFO of actions.
type Queue struct {
	mu        sync.Mutex
	items     []item
	highWater int
	warned    bool
	maxDepth  int

	logger   *logging.Logger
	observer Observer
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for action failures and depth warnings.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l.WithComponent("syncq") }
}

// WithObserver registers a statistics observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithHighWater sets the depth that triggers a warning.
func WithHighWater(n int) Option {
	return func(q *Queue) { q.highWater = n }
}

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		highWater: DefaultHighWater,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends an action. name identifies it in logs and metrics.
func (q *Queue) Enqueue(name string, fn Action) {
	q.push(item{name: name, fn: fn})
}

// EnqueueKeyed appends an action, or replaces the pending action with the
// same key while keeping its position in the queue.
func (q *Queue) EnqueueKeyed(key, name string, fn Action) {
	q.push(item{key: key, name: name, fn: fn})
}

func (q *Queue) push(it item) {
	q.mu.Lock()
	if it.key != "" {
		for i := range q.items {
			if q.items[i].key == it.key {
				q.items[i] = it
				q.mu.Unlock()
				return
			}
		}
	}
	q.items = append(q.items, it)
	depth := len(q.items)
	if depth > q.maxDepth {
		q.maxDepth = depth
	}
	crossed := depth > q.highWater && !q.warned
	if crossed {
		q.warned = true
	}
	q.mu.Unlock()

	if crossed {
		q.logger.Warn("action queue above high-water mark", "depth", depth, "high_water", q.highWater)
	}
	if q.observer != nil {
		q.observer.QueueDepth(depth)
	}
}

// DrainOne runs the oldest pending action, if any. It reports whether an
// action ran and the error it produced; a panic is recovered and returned
// as an error.
func (q *Queue) DrainOne() (bool, error) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	depth := len(q.items)
	if depth <= q.highWater {
		q.warned = false
	}
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.QueueDepth(depth)
	}

	err := run(it)
	if err != nil {
		q.logger.Error("queued action failed", "action", it.name, "error", err.Error())
		if q.observer != nil {
			q.observer.ActionFailed(it.name)
		}
	}
	return true, err
}

// DrainAll runs every pending action, including ones enqueued while
// draining, and returns how many ran.
func (q *Queue) DrainAll() int {
	n := 0
	for {
		ran, _ := q.DrainOne()
		if !ran {
			return n
		}
		n++
	}
}

func run(it item) (err error) {
	if r := panics.Try(func() { err = it.fn() }); r != nil {
		return errors.Join(fmt.Errorf("action %s panicked", it.name), r.AsError())
	}
	return err
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MaxDepth returns the deepest the queue has been.
func (q *Queue) MaxDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxDepth
}

// Clear drops all pending actions without running them.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
