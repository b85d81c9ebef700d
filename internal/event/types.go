package event

import "time"

// Event is the interface that all events implement.
type Event interface {
	// EventType returns the "category.action" identifier.
	EventType() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeLockAcquired    = "lock.acquired"
	TypeLockReleased    = "lock.released"
	TypeLocksReconciled = "locks.reconciled"
	TypeLocksDiscarded  = "locks.discarded"
	TypeModifiedChanged = "modified.changed"
	TypeHandleFailed    = "handle.failed"
	TypeCacheStale      = "cache.stale"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// LockAcquiredEvent is emitted after `lfs lock` succeeds for paths.
type LockAcquiredEvent struct {
	baseEvent
	Paths []string
	Owner string
}

// NewLockAcquiredEvent creates a LockAcquiredEvent.
func NewLockAcquiredEvent(paths []string, owner string) LockAcquiredEvent {
	return LockAcquiredEvent{baseEvent: newBaseEvent(TypeLockAcquired), Paths: paths, Owner: owner}
}

// LockReleasedEvent is emitted after `lfs unlock` succeeds for paths.
type LockReleasedEvent struct {
	baseEvent
	Paths []string
}

// NewLockReleasedEvent creates a LockReleasedEvent.
func NewLockReleasedEvent(paths []string) LockReleasedEvent {
	return LockReleasedEvent{baseEvent: newBaseEvent(TypeLockReleased), Paths: paths}
}

// LocksReconciledEvent is emitted when a poll result replaced the lock set
// and the content changed.
type LocksReconciledEvent struct {
	baseEvent
	Count      int
	Remote     int // locks held by other users
	Generation uint64
}

// NewLocksReconciledEvent creates a LocksReconciledEvent.
func NewLocksReconciledEvent(count, remote int, generation uint64) LocksReconciledEvent {
	return LocksReconciledEvent{
		baseEvent:  newBaseEvent(TypeLocksReconciled),
		Count:      count,
		Remote:     remote,
		Generation: generation,
	}
}

// LocksDiscardedEvent is emitted when a poll result was dropped because the
// foreground changed the state it was computed against.
type LocksDiscardedEvent struct {
	baseEvent
	Kind     string // "locks" or "modified"
	Snapshot uint64
	Current  uint64
}

// NewLocksDiscardedEvent creates a LocksDiscardedEvent.
func NewLocksDiscardedEvent(kind string, snapshot, current uint64) LocksDiscardedEvent {
	return LocksDiscardedEvent{
		baseEvent: newBaseEvent(TypeLocksDiscarded),
		Kind:      kind,
		Snapshot:  snapshot,
		Current:   current,
	}
}

// ModifiedChangedEvent is emitted when the modified path set changed.
type ModifiedChangedEvent struct {
	baseEvent
	Count int
}

// NewModifiedChangedEvent creates a ModifiedChangedEvent.
func NewModifiedChangedEvent(count int) ModifiedChangedEvent {
	return ModifiedChangedEvent{baseEvent: newBaseEvent(TypeModifiedChanged), Count: count}
}

// HandleFailedEvent is emitted when an OS lock could not be taken on a
// remotely locked file.
type HandleFailedEvent struct {
	baseEvent
	Path  string
	Owner string
	Err   error
}

// NewHandleFailedEvent creates a HandleFailedEvent.
func NewHandleFailedEvent(path, owner string, err error) HandleFailedEvent {
	return HandleFailedEvent{baseEvent: newBaseEvent(TypeHandleFailed), Path: path, Owner: owner, Err: err}
}

// CacheStaleEvent is emitted when the persisted lock record was not trusted
// and a full refresh was issued instead.
type CacheStaleEvent struct {
	baseEvent
	Reason string
}

// NewCacheStaleEvent creates a CacheStaleEvent.
func NewCacheStaleEvent(reason string) CacheStaleEvent {
	return CacheStaleEvent{baseEvent: newBaseEvent(TypeCacheStale), Reason: reason}
}
