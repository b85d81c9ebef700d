package enforce

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gofrs/flock"

	"github.com/Iron-Ham/lfslock/internal/errors"
)

type countingObserver struct {
	mu     sync.Mutex
	failed int
	open   int
}

func (o *countingObserver) HandleFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *countingObserver) OpenHandles(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open = n
}

func writeFile(t *testing.T, root, rel string) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte("scene"), 0o644); err != nil {
		t.Fatal(err)
	}
	return abs
}

// TestEnforcer_AcquireBlocksOtherLockers checks that a second flock on a held
// file fails. On Unix this is all the lock guarantees: it is advisory, so a
// writer that never calls flock is not stopped. On Windows the same lock is
// mandatory and also blocks reads, which this test does not cover.
func TestEnforcer_AcquireBlocksOtherLockers(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "Assets/scene.unity")
	e := New(root)

	h, err := e.Acquire("Assets/scene.unity")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Path() != "Assets/scene.unity" {
		t.Errorf("Path() = %q", h.Path())
	}

	other := flock.New(abs, flock.SetFlag(os.O_RDWR))
	locked, err := other.TryLock()
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if locked {
		_ = other.Close()
		t.Fatal("second locker acquired a file held by the enforcer")
	}

	e.Release(h)
	locked, err = other.TryLock()
	if err != nil || !locked {
		t.Fatalf("after release TryLock = %v, %v", locked, err)
	}
	_ = other.Close()
}

func TestEnforcer_OneHandlePerPath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.psd")
	obs := &countingObserver{}
	e := New(root, WithObserver(obs))

	h1, err := e.Acquire("a.psd")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := e.Acquire("a.psd")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("second Acquire should return the open handle")
	}
	if e.OpenCount() != 1 || obs.open != 1 {
		t.Errorf("OpenCount() = %d, observed %d", e.OpenCount(), obs.open)
	}
}

func TestEnforcer_MissingFile(t *testing.T) {
	obs := &countingObserver{}
	e := New(t.TempDir(), WithObserver(obs))

	h, err := e.Acquire("Assets/gone.psd")
	if h != nil {
		t.Error("handle should be nil for a missing file")
	}
	if !errors.Is(err, errors.ErrHandleUnavailable) {
		t.Errorf("err = %v, want ErrHandleUnavailable", err)
	}
	if obs.failed != 1 {
		t.Errorf("failed = %d, want 1", obs.failed)
	}
	if e.Held("Assets/gone.psd") {
		t.Error("failed acquire should not be recorded")
	}
}

func TestEnforcer_DirectoryRejected(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "Assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	e := New(root)
	if _, err := e.Acquire("Assets"); !errors.Is(err, errors.ErrHandleUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestEnforcer_ContendedFile(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "b.psd")
	holder := flock.New(abs, flock.SetFlag(os.O_RDWR))
	if ok, err := holder.TryLock(); err != nil || !ok {
		t.Fatalf("holder TryLock = %v, %v", ok, err)
	}
	defer func() { _ = holder.Close() }()

	e := New(root)
	if _, err := e.Acquire("b.psd"); !errors.Is(err, errors.ErrHandleUnavailable) {
		t.Errorf("err = %v, want ErrHandleUnavailable", err)
	}
}

func TestEnforcer_ReleaseAll(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"a.psd", "b.psd", "c/d.psd"} {
		writeFile(t, root, p)
	}
	obs := &countingObserver{}
	e := New(root, WithObserver(obs))
	var handles []*Handle
	for _, p := range []string{"a.psd", "b.psd", "c/d.psd"} {
		h, err := e.Acquire(p)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}

	if n := e.ReleaseAll(); n != 3 {
		t.Errorf("ReleaseAll() = %d", n)
	}
	if e.OpenCount() != 0 || obs.open != 0 {
		t.Errorf("OpenCount() = %d, observed %d", e.OpenCount(), obs.open)
	}

	// Stale handles are ignored.
	e.Release(handles[0])
	e.Release(nil)

	if _, err := e.Acquire("a.psd"); err != nil {
		t.Errorf("reacquire after ReleaseAll: %v", err)
	}
}
