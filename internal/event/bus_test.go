package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/lfslock/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil)

	called := false
	id := bus.Subscribe(TypeLockAcquired, func(Event) { called = true })

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
	if called {
		t.Error("handler should not run before Publish")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var got LockAcquiredEvent
	bus.Subscribe(TypeLockAcquired, func(e Event) {
		got = e.(LockAcquiredEvent)
	})
	bus.Subscribe(TypeLockReleased, func(Event) {
		t.Error("handler for another type should not run")
	})

	bus.Publish(NewLockAcquiredEvent([]string{"Assets/scene.unity"}, "alice"))

	if got.Owner != "alice" || len(got.Paths) != 1 {
		t.Errorf("received %+v", got)
	}
	if got.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_OrderSpecificBeforeWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeCacheStale, func(Event) { order = append(order, "one") })
	bus.Subscribe(TypeCacheStale, func(Event) { order = append(order, "two") })

	bus.Publish(NewCacheStaleEvent("foreign pid"))

	if strings.Join(order, ",") != "one,two,all" {
		t.Errorf("order = %v", order)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id1 := bus.Subscribe(TypeModifiedChanged, func(Event) { calls++ })
	bus.Subscribe(TypeModifiedChanged, func(Event) { calls += 10 })

	if !bus.Unsubscribe(id1) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id1) {
		t.Error("second Unsubscribe should report false")
	}

	bus.Publish(NewModifiedChangedEvent(3))
	if calls != 10 {
		t.Errorf("calls = %d, want only the remaining handler", calls)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewWriterLogger(&buf, "DEBUG"))

	reached := false
	bus.Subscribe(TypeHandleFailed, func(Event) { panic("handler broke") })
	bus.Subscribe(TypeHandleFailed, func(Event) { reached = true })

	bus.Publish(NewHandleFailedEvent("a.psd", "bob", nil))

	if !reached {
		t.Error("handler after a panicking one should still run")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeLockAcquired, func(Event) {})
	bus.SubscribeAll(func(Event) {})
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear", bus.SubscriptionCount())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewLocksReconciledEvent(1, 0, 1))
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{NewLockAcquiredEvent(nil, "a"), "lock.acquired"},
		{NewLockReleasedEvent(nil), "lock.released"},
		{NewLocksReconciledEvent(0, 0, 0), "locks.reconciled"},
		{NewLocksDiscardedEvent("locks", 1, 2), "locks.discarded"},
		{NewModifiedChangedEvent(0), "modified.changed"},
		{NewHandleFailedEvent("p", "o", nil), "handle.failed"},
		{NewCacheStaleEvent("absent"), "cache.stale"},
	}
	for _, tt := range tests {
		if got := tt.event.EventType(); got != tt.want {
			t.Errorf("EventType() = %q, want %q", got, tt.want)
		}
	}
}
