// Package event provides a synchronous pub-sub bus for lock engine
// notifications.
//
// The engine publishes an event whenever observable state changes; the CLI
// subscribes to print or log them. Publishing happens on the goroutine that
// changed the state, which for reconciliation results is the one calling
// the engine's Tick.
//
// # Event Types
//
//   - [LockAcquiredEvent] (lock.acquired): a local lock succeeded
//   - [LockReleasedEvent] (lock.released): a local unlock succeeded
//   - [LocksReconciledEvent] (locks.reconciled): a poll result changed the lock set
//   - [LocksDiscardedEvent] (locks.discarded): a poll result was dropped after a foreground change
//   - [ModifiedChangedEvent] (modified.changed): the modified path set changed
//   - [HandleFailedEvent] (handle.failed): an OS lock could not be taken
//   - [CacheStaleEvent] (cache.stale): the persisted record was not trusted
//
// # Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeLockAcquired, func(e event.Event) {
//	    acquired := e.(event.LockAcquiredEvent)
//	    fmt.Println("locked", acquired.Paths)
//	})
//	bus.SubscribeAll(func(e event.Event) {
//	    logger.Debug("event", "type", e.EventType())
//	})
//
// The [Bus] is safe for concurrent use. A panicking handler is recovered and
// logged; it does not stop delivery to the remaining handlers.
package event
