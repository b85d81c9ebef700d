package lfs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/lfslock/internal/enforce"
	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/event"
	"github.com/Iron-Ham/lfslock/internal/gitcmd"
	"github.com/Iron-Ham/lfslock/internal/lockcache"
	"github.com/Iron-Ham/lfslock/internal/metrics"
	"github.com/Iron-Ham/lfslock/internal/store"
	"github.com/Iron-Ham/lfslock/internal/vcs"
)

const testPID = 5678

type fixture struct {
	root     string
	fake     *gitcmd.FakeRunner
	store    *store.MemoryStore
	enforcer *enforce.Enforcer
	engine   *Engine

	mu     sync.Mutex
	events []event.Event
}

func newFixture(t *testing.T, user string) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, Config{User: user, PreventEditsOnRemoteLock: true})
}

func newFixtureWithConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	root := t.TempDir()
	fake := gitcmd.NewFakeRunner()
	fake.On("rev-parse --show-toplevel", gitcmd.Response{Stdout: []string{root}})

	f := &fixture{
		root:     root,
		fake:     fake,
		store:    store.NewMemoryStore(),
		enforcer: enforce.New(root),
	}
	f.engine = New(cfg, Deps{
		Git:      vcs.NewClient(fake, afero.NewBasePathFs(afero.NewOsFs(), root)),
		Enforcer: f.enforcer,
		Cache:    lockcache.New(f.store, testPID, nil),
		Metrics:  metrics.New(),
	})
	f.engine.Bus().SubscribeAll(func(e event.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	})
	t.Cleanup(func() { f.enforcer.ReleaseAll() })
	return f
}

func (f *fixture) writeFile(t *testing.T, rel string) string {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	return abs
}

func (f *fixture) countEvents(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

// pollAndApply runs one poll cycle and applies its result.
func (f *fixture) pollAndApply(t *testing.T) {
	t.Helper()
	f.engine.PollNow(context.Background())
	ran, err := f.engine.Tick()
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !ran {
		t.Fatal("Tick() ran nothing after a poll")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLocalLockHasNoHandle(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "Assets/scene.unity")
	f.fake.On("lfs lock -- Assets/scene.unity", gitcmd.Response{
		Stdout: []string{"Locked Assets/scene.unity"},
	})

	if err := f.engine.Lock(context.Background(), []string{"Assets/scene.unity"}); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	owner, ok := f.engine.Owner("Assets/scene.unity")
	if !ok || owner != "alice" {
		t.Fatalf("Owner() = %q, %v; want alice, true", owner, ok)
	}
	if locks := f.engine.Locks(); len(locks) != 1 || locks[0].Enforced || !locks[0].Local {
		t.Errorf("Locks() = %+v, want one local unenforced lock", locks)
	}
	if n := f.enforcer.OpenCount(); n != 0 {
		t.Errorf("OpenCount() = %d, want 0", n)
	}
	if n := f.countEvents(event.TypeLockAcquired); n != 1 {
		t.Errorf("lock.acquired events = %d, want 1", n)
	}
}

func TestRemoteLockIsEnforced(t *testing.T) {
	f := newFixture(t, "alice")
	abs := f.writeFile(t, "Assets/scene.unity")
	f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{"Assets/scene.unity\tbob\tID:7"}})

	f.pollAndApply(t)

	locks := f.engine.Locks()
	if len(locks) != 1 || locks[0].Owner != "bob" || !locks[0].Enforced {
		t.Fatalf("Locks() = %+v, want one enforced lock by bob", locks)
	}

	other := flock.New(abs)
	locked, err := other.TryLock()
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if locked {
		_ = other.Unlock()
		t.Fatal("second writer acquired a file locked by a remote user")
	}
	_ = other.Close()
}

func TestRemoteLockNotEnforcedWhenDisabled(t *testing.T) {
	f := newFixtureWithConfig(t, Config{User: "alice"})
	f.writeFile(t, "a.psd")
	f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{"a.psd\tbob"}})

	f.pollAndApply(t)

	if n := f.enforcer.OpenCount(); n != 0 {
		t.Errorf("OpenCount() = %d, want 0", n)
	}
}

func TestUnlockWithUncommittedChanges(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("lfs lock -- a.psd", gitcmd.Response{Stdout: []string{"Locked a.psd"}})
	if err := f.engine.Lock(context.Background(), []string{"a.psd"}); err != nil {
		t.Fatal(err)
	}

	f.fake.On("lfs unlock -- a.psd", gitcmd.Response{
		Stderr:   []string{"Cannot unlock file with uncommitted changes"},
		ExitCode: 2,
	})
	err := f.engine.Unlock(context.Background(), []string{"a.psd"})
	if !errors.Is(err, errors.ErrUncommittedChanges) {
		t.Fatalf("Unlock() error = %v, want ErrUncommittedChanges", err)
	}
	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) || gitErr.GitOutput == "" {
		t.Errorf("error should carry git output, got %#v", err)
	}
	if n := f.fake.CallCount("lfs locks"); n != 0 {
		t.Errorf("lfs locks called %d times, want no refresh", n)
	}
	if !f.engine.IsLockedByLocalUser("a.psd") {
		t.Error("lock set changed after refused unlock")
	}
}

func TestUnlock(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("lfs lock -- a.psd", gitcmd.Response{Stdout: []string{"Locked a.psd"}})
	f.fake.On("lfs unlock -- a.psd", gitcmd.Response{Stdout: []string{"Unlocked a.psd"}})
	ctx := context.Background()

	if err := f.engine.Lock(ctx, []string{"a.psd"}); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Unlock(ctx, []string{"a.psd"}); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if f.engine.IsLocked("a.psd") {
		t.Error("path still locked after unlock")
	}
	if snap := f.engine.Snapshot(); snap.LockGeneration != 2 {
		t.Errorf("LockGeneration = %d, want 2", snap.LockGeneration)
	}
}

func TestLockFailureRefreshes(t *testing.T) {
	tests := []struct {
		name string
		resp gitcmd.Response
	}{
		{"missing marker", gitcmd.Response{Stdout: []string{"something else"}}},
		{"stderr", gitcmd.Response{Stderr: []string{"lock exists"}, ExitCode: 2}},
		{"timeout", gitcmd.Response{Err: errors.NewTimeoutError("lfs lock", time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "alice")
			f.fake.On("lfs lock -- a.psd", tt.resp)
			f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{"a.psd\tbob"}})

			err := f.engine.Lock(context.Background(), []string{"a.psd"})
			if !errors.Is(err, errors.ErrLockFailed) {
				t.Fatalf("Lock() error = %v, want ErrLockFailed", err)
			}
			if n := f.fake.CallCount("lfs locks"); n != 1 {
				t.Errorf("lfs locks called %d times, want 1", n)
			}
			if owner, _ := f.engine.Owner("a.psd"); owner != "bob" {
				t.Errorf("Owner() = %q, want server state bob", owner)
			}
		})
	}
}

func TestLockCanceledDoesNotRefresh(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("lfs lock -- a.psd", gitcmd.Response{
		Err: errors.NewGitError("command canceled", errors.ErrCanceled),
	})

	err := f.engine.Lock(context.Background(), []string{"a.psd"})
	if !errors.Is(err, errors.ErrCanceled) {
		t.Fatalf("Lock() error = %v, want ErrCanceled", err)
	}
	if n := f.fake.CallCount("lfs locks"); n != 0 {
		t.Errorf("lfs locks called %d times, want 0", n)
	}
}

func TestLockRequiresUserAndPaths(t *testing.T) {
	f := newFixture(t, "")
	if err := f.engine.Lock(context.Background(), []string{"a.psd"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Lock() without user error = %v", err)
	}

	f = newFixture(t, "alice")
	if err := f.engine.Lock(context.Background(), []string{" ", ""}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Lock() without paths error = %v", err)
	}
	if len(f.fake.Calls()) != 0 {
		t.Errorf("git ran for invalid input: %v", f.fake.Calls())
	}
}

func TestPollDiscardedAfterForegroundLock(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "Assets/x.png")
	f.fake.On("lfs locks", gitcmd.Response{})
	f.fake.On("diff --name-only", gitcmd.Response{Stdout: []string{"Assets/x.png"}})
	f.fake.On("lfs lock -- a.psd", gitcmd.Response{Stdout: []string{"Locked a.psd"}})
	ctx := context.Background()

	// The poll sees an empty server; the user locks before it is applied.
	f.engine.PollNow(ctx)
	if err := f.engine.Lock(ctx, []string{"a.psd"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Tick(); err != nil {
		t.Fatal(err)
	}

	if !f.engine.IsLockedByLocalUser("a.psd") {
		t.Fatal("stale poll result overwrote a foreground lock")
	}
	snap := f.engine.Snapshot()
	if snap.Discards != 1 {
		t.Errorf("Discards = %d, want 1", snap.Discards)
	}
	// The modified half is independent of the lock conflict.
	if !f.engine.IsModified("Assets/x.png") {
		t.Error("modified set not applied alongside a discarded lock set")
	}
	if n := f.countEvents(event.TypeLocksDiscarded); n != 1 {
		t.Errorf("locks.discarded events = %d, want 1", n)
	}

	// The next cycle is computed against the new state and applies.
	f.pollAndApply(t)
	if f.engine.IsLocked("a.psd") {
		t.Error("fresh poll result was not applied")
	}
}

func TestModifiedDiscardedAfterForegroundUpdate(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "a.png")
	f.writeFile(t, "b.png")
	f.fake.OnSequence("diff --name-only",
		gitcmd.Response{Stdout: []string{"a.png"}},
		gitcmd.Response{Stdout: []string{"b.png"}},
	)
	ctx := context.Background()

	f.engine.PollNow(ctx)
	if err := f.engine.UpdateModifiedPaths(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Tick(); err != nil {
		t.Fatal(err)
	}

	if got, want := f.engine.ModifiedPaths(), []string{"b.png"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ModifiedPaths() = %v, want %v", got, want)
	}
}

func TestRepeatedPollIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "Assets/a.psd")
	f.writeFile(t, "Assets/b.psd")
	f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{
		"Assets/a.psd\tbob",
		"Assets/b.psd\talice",
	}})

	f.pollAndApply(t)
	first := f.engine.Locks()
	f.pollAndApply(t)
	second := f.engine.Locks()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("second apply changed the lock set:\n%+v\n%+v", first, second)
	}
	if n := f.countEvents(event.TypeLocksReconciled); n != 1 {
		t.Errorf("locks.reconciled events = %d, want 1 for an unchanged server", n)
	}
	if n := f.enforcer.OpenCount(); n != 1 {
		t.Errorf("OpenCount() = %d, want 1", n)
	}
}

func TestDuplicateServerEntriesKeepOneLock(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "a.psd")
	f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{
		"a.psd\tbob",
		"malformed",
		"a.psd\tcarol",
	}})

	f.pollAndApply(t)

	locks := f.engine.Locks()
	if len(locks) != 1 || locks[0].Owner != "carol" {
		t.Fatalf("Locks() = %+v, want one entry owned by carol", locks)
	}
	if n := f.enforcer.OpenCount(); n != 1 {
		t.Errorf("OpenCount() = %d, want 1", n)
	}
}

func TestOwnerChangeReplacesHandle(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "a.psd")
	f.fake.OnSequence("lfs locks",
		gitcmd.Response{Stdout: []string{"a.psd\tbob"}},
		gitcmd.Response{Stdout: []string{"a.psd\talice"}},
		gitcmd.Response{Stdout: nil},
	)

	f.pollAndApply(t)
	if !f.enforcer.Held("a.psd") {
		t.Fatal("remote lock not enforced")
	}
	f.pollAndApply(t)
	if f.enforcer.Held("a.psd") {
		t.Error("handle kept after the lock moved to the local user")
	}
	f.pollAndApply(t)
	if f.engine.IsLocked("a.psd") {
		t.Error("released lock still present")
	}
}

func TestFailedPollKeepsLocks(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "a.psd")
	f.fake.OnSequence("lfs locks",
		gitcmd.Response{Stdout: []string{"a.psd\tbob"}},
		gitcmd.Response{Err: errors.NewTimeoutError("lfs locks", 5*time.Second)},
	)

	f.pollAndApply(t)
	f.pollAndApply(t)

	if !f.engine.IsLocked("a.psd") || !f.enforcer.Held("a.psd") {
		t.Error("a failed lock listing must not clear the lock set")
	}
}

func TestRefreshFailureClearsLocks(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "a.psd")
	f.fake.OnSequence("lfs locks",
		gitcmd.Response{Stdout: []string{"a.psd\tbob"}},
		gitcmd.Response{Stderr: []string{"connection refused"}, ExitCode: 2},
	)
	ctx := context.Background()

	if err := f.engine.RefreshLocks(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.RefreshLocks(ctx); err == nil {
		t.Fatal("RefreshLocks() should fail")
	}
	if len(f.engine.Locks()) != 0 {
		t.Error("lock set should be empty after a failed refresh")
	}
	if n := f.enforcer.OpenCount(); n != 0 {
		t.Errorf("OpenCount() = %d, want 0", n)
	}
}

func TestReloadFromCache(t *testing.T) {
	seed := func(t *testing.T, f *fixture, pid int) {
		t.Helper()
		data, err := json.Marshal(lockcache.Record{
			PID:   pid,
			Locks: []lockcache.Entry{{Path: "cached.psd", User: "bob"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := f.store.Set(context.Background(), lockcache.Key, data); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("same process is trusted", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.writeFile(t, "cached.psd")
		seed(t, f, testPID)

		if err := f.engine.Reload(context.Background(), false); err != nil {
			t.Fatal(err)
		}
		if n := f.fake.CallCount("lfs locks"); n != 0 {
			t.Errorf("lfs locks called %d times for a trusted cache", n)
		}
		if !f.engine.IsLocked("cached.psd") || !f.enforcer.Held("cached.psd") {
			t.Error("cached remote lock not restored with its handle")
		}
	})

	t.Run("other process triggers refresh", func(t *testing.T) {
		f := newFixture(t, "alice")
		seed(t, f, 1234)
		f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{"server.psd\tcarol"}})

		if err := f.engine.Reload(context.Background(), false); err != nil {
			t.Fatal(err)
		}
		if n := f.fake.CallCount("lfs locks"); n != 1 {
			t.Errorf("lfs locks called %d times, want 1", n)
		}
		if f.engine.IsLocked("cached.psd") {
			t.Error("lock from a foreign cache record was trusted")
		}
		if !f.engine.IsLocked("server.psd") {
			t.Error("server lock missing after refresh")
		}
		if n := f.countEvents(event.TypeCacheStale); n != 1 {
			t.Errorf("cache.stale events = %d, want 1", n)
		}
	})

	t.Run("force ignores a trusted cache", func(t *testing.T) {
		f := newFixture(t, "alice")
		seed(t, f, testPID)

		if err := f.engine.Reload(context.Background(), true); err != nil {
			t.Fatal(err)
		}
		if f.fake.CallCount("lfs locks") != 1 || f.engine.IsLocked("cached.psd") {
			t.Error("forced reload did not rebuild from the server")
		}
	})
}

func TestLockIsPersisted(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("lfs lock -- a.psd", gitcmd.Response{Stdout: []string{"Locked a.psd"}})
	if err := f.engine.Lock(context.Background(), []string{"a.psd"}); err != nil {
		t.Fatal(err)
	}

	entries, status, err := lockcache.New(f.store, testPID, nil).Load(context.Background())
	if err != nil || status != lockcache.StatusTrusted {
		t.Fatalf("Load() = %v, %v", status, err)
	}
	want := []lockcache.Entry{{Path: "a.psd", User: "alice"}}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("persisted %+v, want %+v", entries, want)
	}
}

func TestModifiedPathsAreAncestorClosed(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "Assets/x.png")
	f.writeFile(t, "Assets/Sub/new.mat")
	f.fake.On("diff --name-only", gitcmd.Response{Stdout: []string{"Assets/x.png", "Assets/gone.png"}})
	f.fake.On("ls-files --others --exclude-standard", gitcmd.Response{Stdout: []string{"Assets/Sub/new.mat"}})

	if err := f.engine.UpdateModifiedPaths(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"Assets", "Assets/Sub", "Assets/Sub/new.mat", "Assets/x.png"}
	if got := f.engine.ModifiedPaths(); !reflect.DeepEqual(got, want) {
		t.Errorf("ModifiedPaths() = %v, want %v", got, want)
	}
	if n := f.countEvents(event.TypeModifiedChanged); n != 1 {
		t.Errorf("modified.changed events = %d, want 1", n)
	}
}

func TestModifiedPartialResults(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "a.png")
	f.fake.On("diff --name-only", gitcmd.Response{Stdout: []string{"a.png"}})
	f.fake.On("ls-files --others --exclude-standard", gitcmd.Response{
		Err: errors.NewTimeoutError("ls-files", 500*time.Millisecond),
	})

	err := f.engine.UpdateModifiedPaths(context.Background())
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("UpdateModifiedPaths() error = %v, want timeout", err)
	}
	if !f.engine.IsModified("a.png") {
		t.Error("partial results not applied")
	}
}

func TestAncestorClosure(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		floor int
		want  []string
	}{
		{"one level", []string{"Assets/x.png"}, 1, []string{"Assets", "Assets/x.png"}},
		{"deep", []string{"a/b/c/d.txt"}, 1, []string{"a", "a/b", "a/b/c", "a/b/c/d.txt"}},
		{"floor 2", []string{"a/b/c/d.txt"}, 2, []string{"a/b", "a/b/c", "a/b/c/d.txt"}},
		{"root file", []string{"README.md"}, 1, []string{"README.md"}},
		{"floor below one", []string{"a/b.txt"}, 0, []string{"a", "a/b.txt"}},
		{"shared parent", []string{"a/x", "a/y"}, 1, []string{"a", "a/x", "a/y"}},
		{"backslashes", []string{`a\b.txt`}, 1, []string{"a", "a/b.txt"}},
		{"empty", []string{"", "  "}, 1, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sortedSet(AncestorClosure(tt.paths, tt.floor))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("AncestorClosure(%v, %d) = %v, want %v", tt.paths, tt.floor, got, tt.want)
			}
		})
	}
}

func TestLockablePatterns(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("lfs track", gitcmd.Response{Stdout: []string{
		"Listing tracked patterns",
		"    *.PSD (.gitattributes)",
		"    *.unity (.gitattributes)",
		"    Assets/Big/** (.gitattributes)",
		"Listing excluded patterns",
	}})

	if err := f.engine.RefreshLockableTypes(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := map[string]bool{
		"Art/hero.psd":          true,
		"Art/HERO.PSD":          true,
		"Scenes/main.unity":     true,
		"Assets/Big/data.bin":   true,
		"Assets/Big/x/y.bin":    true,
		"Assets/Small/data.bin": false,
		"notes.txt":             false,
		"":                      false,
	}
	for p, want := range tests {
		if got := f.engine.IsLockable(p); got != want {
			t.Errorf("IsLockable(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestCheckLockable(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("lfs track", gitcmd.Response{Stdout: []string{"    *.psd (.gitattributes)"}})
	if err := f.engine.RefreshLockableTypes(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.CheckLockable([]string{"a.psd", "Art/b.psd"}); err != nil {
		t.Errorf("CheckLockable() = %v, want nil", err)
	}

	err := f.engine.CheckLockable([]string{"a.psd", "notes.txt", "Art\\readme.md"})
	if !errors.Is(err, errors.ErrNotLockable) {
		t.Fatalf("CheckLockable() = %v, want ErrNotLockable", err)
	}
	var gerr *errors.GitError
	if !errors.As(err, &gerr) {
		t.Fatalf("CheckLockable() error type = %T", err)
	}
	if want := []string{"notes.txt", "Art/readme.md"}; !reflect.DeepEqual(gerr.Paths, want) {
		t.Errorf("Paths = %v, want %v", gerr.Paths, want)
	}
}

func TestLockablePatternsKeptOnFailure(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.OnSequence("lfs track",
		gitcmd.Response{Stdout: []string{"    *.psd (.gitattributes)"}},
		gitcmd.Response{Err: errors.NewTimeoutError("lfs track", 2*time.Second)},
	)
	ctx := context.Background()

	if err := f.engine.RefreshLockableTypes(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.RefreshLockableTypes(ctx); err == nil {
		t.Fatal("expected failure")
	}
	if !f.engine.IsLockable("a.psd") {
		t.Error("patterns lost after a failed refresh")
	}
}

func TestContextAction(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("lfs track", gitcmd.Response{Stdout: []string{"    *.psd (.gitattributes)"}})
	f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{"mine.psd\talice", "theirs.psd\tbob"}})
	ctx := context.Background()
	if err := f.engine.RefreshLockableTypes(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.RefreshLocks(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		action Action
		paths  []string
		want   bool
	}{
		{ActionLock, []string{"free.psd"}, true},
		{ActionLock, []string{"free.txt"}, false},
		{ActionLock, []string{"mine.psd"}, false},
		{ActionLock, []string{"free.psd", "other.psd"}, false},
		{ActionUnlock, []string{"mine.psd"}, true},
		{ActionUnlock, []string{"theirs.psd"}, false},
		{ActionUnlock, []string{"free.psd"}, false},
		{ActionRevert, nil, true},
		{ActionRevert, []string{"a", "b"}, true},
	}
	for _, tt := range tests {
		if got := f.engine.ContextAction(tt.action, tt.paths); got != tt.want {
			t.Errorf("ContextAction(%s, %v) = %v, want %v", tt.action, tt.paths, got, tt.want)
		}
	}
}

func TestRevert(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "Assets/a.png")
	untracked := f.writeFile(t, "Assets/new.txt")
	f.writeFile(t, "Other/keep.png")
	f.fake.On("diff --name-only", gitcmd.Response{Stdout: []string{"Assets/a.png", "Other/keep.png"}})
	f.fake.On("ls-files --others --exclude-standard", gitcmd.Response{Stdout: []string{"Assets/new.txt"}})
	ctx := context.Background()

	if err := f.engine.UpdateModifiedPaths(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.Revert(ctx, []string{"Assets"})
	if err != nil {
		t.Fatalf("Revert() error = %v", err)
	}

	if want := []string{"Assets/a.png"}; !reflect.DeepEqual(res.Restored, want) {
		t.Errorf("Restored = %v, want %v", res.Restored, want)
	}
	if want := []string{"Assets/new.txt"}; !reflect.DeepEqual(res.Removed, want) {
		t.Errorf("Removed = %v, want %v", res.Removed, want)
	}
	if f.fake.CallCount("checkout -- Assets/a.png") != 1 {
		t.Errorf("checkout not run, calls: %v", f.fake.Calls())
	}
	if _, err := os.Stat(untracked); !os.IsNotExist(err) {
		t.Error("untracked file not removed")
	}
}

func TestRevertLeavesUnmodifiedFilesAlone(t *testing.T) {
	f := newFixture(t, "alice")
	f.writeFile(t, "Assets/a.png")
	clean := f.writeFile(t, "Assets/clean.png")
	staged := f.writeFile(t, "Assets/staged.png")
	f.fake.On("diff --name-only", gitcmd.Response{Stdout: []string{"Assets/a.png"}})
	ctx := context.Background()

	if err := f.engine.UpdateModifiedPaths(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		file string
	}{
		{"clean tracked file", "Assets/clean.png", clean},
		{"staged-only change", "Assets/staged.png", staged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.engine.Revert(ctx, []string{tt.path})
			if err != nil {
				t.Fatalf("Revert() error = %v", err)
			}
			if len(res.Restored)+len(res.Removed) != 0 {
				t.Errorf("Revert() = %+v, want nothing restored or removed", res)
			}
			if _, err := os.Stat(tt.file); err != nil {
				t.Errorf("%s was touched: %v", tt.path, err)
			}
		})
	}

	// A file that drops out of the diff after the modified set was computed
	// is skipped rather than treated as untracked.
	f.fake.On("diff --name-only", gitcmd.Response{})
	res, err := f.engine.Revert(ctx, []string{"Assets/a.png"})
	if err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	if want := []string{"Assets/a.png"}; !reflect.DeepEqual(res.Skipped, want) {
		t.Errorf("Skipped = %v, want %v", res.Skipped, want)
	}
	if _, err := os.Stat(filepath.Join(f.root, "Assets", "a.png")); err != nil {
		t.Errorf("Assets/a.png was removed: %v", err)
	}
	if n := f.fake.CallCount("checkout -- Assets/a.png"); n != 0 {
		t.Errorf("checkout ran %d times", n)
	}
}

func TestRevertRequiresPaths(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.engine.Revert(context.Background(), nil); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Revert(nil) error = %v", err)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		line    string
		wantErr bool
	}{
		{"git version 2.43.0", false},
		{"git version 2.16.2.windows.1", false},
		{"git version 2.10.0.windows.1", true},
	}
	for _, tt := range tests {
		f := newFixture(t, "alice")
		f.fake.On("version", gitcmd.Response{Stdout: []string{tt.line}})
		_, err := f.engine.CheckVersion(context.Background())
		if got := errors.Is(err, errors.ErrGitUnsupported); got != tt.wantErr {
			t.Errorf("CheckVersion(%q) error = %v", tt.line, err)
		}
	}
}

func TestTriggersNeedRunningEngine(t *testing.T) {
	f := newFixture(t, "alice")
	if err := f.engine.HandleAssetModified(); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("HandleAssetModified() error = %v", err)
	}
	if err := f.engine.RequestLock([]string{"a.psd"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("RequestLock() error = %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	f := newFixtureWithConfig(t, Config{
		User:                     "alice",
		PreventEditsOnRemoteLock: true,
		PollInterval:             10 * time.Millisecond,
	})
	f.writeFile(t, "a.psd")
	f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{"a.psd\tbob"}})
	ctx := context.Background()

	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !f.engine.Running() {
		t.Fatal("engine not running after Start")
	}
	if !f.enforcer.Held("a.psd") {
		t.Error("startup refresh did not enforce the remote lock")
	}

	waitFor(t, "a queued poll", func() bool {
		ran, _ := f.engine.Tick()
		return ran
	})

	if err := f.engine.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if f.engine.Running() {
		t.Error("engine still running after Stop")
	}
	if n := f.enforcer.OpenCount(); n != 0 {
		t.Errorf("OpenCount() after Stop = %d, want 0", n)
	}
	entries, status, _ := lockcache.New(f.store, testPID, nil).Load(ctx)
	if status != lockcache.StatusTrusted || len(entries) != 1 {
		t.Errorf("final persist = %v %+v", status, entries)
	}
}

func TestStartOutsideRepository(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("rev-parse --show-toplevel", gitcmd.Response{
		Stderr:   []string{"fatal: not a git repository"},
		ExitCode: 128,
	})
	if err := f.engine.Start(context.Background()); !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("Start() error = %v, want ErrNotGitRepository", err)
	}
	if f.engine.Running() {
		t.Error("engine running after failed Start")
	}
}

func TestStopAppliesQueuedResults(t *testing.T) {
	f := newFixture(t, "alice")
	f.fake.On("lfs locks", gitcmd.Response{Stdout: []string{"a.psd\tbob"}})
	ctx := context.Background()

	f.engine.PollNow(ctx)
	if err := f.engine.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if !f.engine.IsLocked("a.psd") {
		t.Error("queued poll result not applied on Stop")
	}
	if n := f.engine.Snapshot().QueueDepth; n != 0 {
		t.Errorf("QueueDepth = %d after Stop", n)
	}
}

func TestRequestLockRunsOnWorker(t *testing.T) {
	f := newFixtureWithConfig(t, Config{User: "alice", PollInterval: time.Hour})
	f.fake.On("lfs lock -- Assets/s.unity", gitcmd.Response{Stdout: []string{"Locked Assets/s.unity"}})
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.engine.Stop(ctx) }()

	if err := f.engine.RequestLock([]string{"Assets/s.unity"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "requested lock", func() bool {
		_, _ = f.engine.Tick()
		return f.engine.IsLockedByLocalUser("Assets/s.unity")
	})

	// Already held locally: nothing is sent to git.
	before := f.fake.CallCount("lfs lock -- Assets/s.unity")
	if err := f.engine.RequestLock([]string{"Assets/s.unity"}); err != nil {
		t.Fatal(err)
	}
	if after := f.fake.CallCount("lfs lock -- Assets/s.unity"); after != before {
		t.Errorf("lock re-sent for a path already held")
	}
}

func TestHandleAssetModifiedRunsOnWorker(t *testing.T) {
	f := newFixtureWithConfig(t, Config{User: "alice", PollInterval: time.Hour})
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.engine.Stop(ctx) }()

	f.writeFile(t, "Assets/x.png")
	f.fake.On("diff --name-only", gitcmd.Response{Stdout: []string{"Assets/x.png"}})
	if err := f.engine.HandleAssetModified(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "modified recompute", func() bool {
		_, _ = f.engine.Tick()
		return f.engine.IsModified("Assets")
	})
}

func TestBusySkipsPolling(t *testing.T) {
	f := newFixtureWithConfig(t, Config{
		User:         "alice",
		PollInterval: 5 * time.Millisecond,
		BusyBackoff:  5 * time.Millisecond,
	})
	ctx := context.Background()

	f.engine.SetBusy(true)
	if err := f.engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.engine.Stop(ctx) }()

	// Only Start itself may have listed locks so far.
	startCalls := f.fake.CallCount("lfs locks")
	time.Sleep(50 * time.Millisecond)
	if n := f.fake.CallCount("lfs locks"); n != startCalls {
		t.Fatalf("polled %d times while busy", n-startCalls)
	}

	f.engine.SetBusy(false)
	waitFor(t, "polling to resume", func() bool {
		return f.fake.CallCount("lfs locks") > startCalls
	})
}

func TestSetBusyFlushes(t *testing.T) {
	f := newFixture(t, "alice")
	f.engine.SetBusy(true)

	_, status, _ := lockcache.New(f.store, testPID, nil).Load(context.Background())
	if status != lockcache.StatusTrusted {
		t.Errorf("entering busy did not persist, status %v", status)
	}
	if !f.engine.Busy() {
		t.Error("Busy() = false")
	}
}
