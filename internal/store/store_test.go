package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

// newRedisStore returns a RedisStore backed by miniredis and registers
// cleanup for both.
func newRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisStore(client, opts...), mr
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exerciseStore runs the behavior every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := s.Set(ctx, "k", []byte(`{"PID":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(v) != `{"PID":1}` {
		t.Fatalf("Get(k) = %q, %v, %v", v, ok, err)
	}

	if err := s.Set(ctx, "k", []byte(`{"PID":2}`)); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := s.Get(ctx, "k"); string(v) != `{"PID":2}` {
		t.Errorf("overwrite: Get(k) = %q", v)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("key should be gone after Delete")
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete(absent): %v", err)
	}
}

func TestStores(t *testing.T) {
	t.Run("memory", func(t *testing.T) { exerciseStore(t, NewMemoryStore()) })
	t.Run("file", func(t *testing.T) { exerciseStore(t, newFileStore(t)) })
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisStore(t)
		exerciseStore(t, s)
	})
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Set(ctx, "a", []byte(`"one"`)); err != nil {
		t.Fatal(err)
	}
	if err := s1.Set(ctx, "b", []byte(`"two"`)); err != nil {
		t.Fatal(err)
	}
	_ = s1.Close()

	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	for k, want := range map[string]string{"a": `"one"`, "b": `"two"`} {
		v, ok, err := s2.Get(ctx, k)
		if err != nil || !ok || string(v) != want {
			t.Errorf("Get(%s) = %q, %v, %v", k, v, ok, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, StateFileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file should not remain after write")
	}
}

func TestFileStore_RejectsInvalidJSON(t *testing.T) {
	s := newFileStore(t)
	if err := s.Set(context.Background(), "k", []byte("not json")); err == nil {
		t.Error("Set should reject invalid JSON")
	}
}

func TestFileStore_CorruptDocument(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(s.Dir(), StateFileName), []byte("{garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Error("Get on corrupt document should fail")
	}
	if err := s.Set(ctx, "k", []byte(`1`)); err != nil {
		t.Fatalf("Set should replace a corrupt document: %v", err)
	}
	if v, ok, err := s.Get(ctx, "k"); err != nil || !ok || string(v) != "1" {
		t.Errorf("Get after repair = %q, %v, %v", v, ok, err)
	}
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if err := s.Set(ctx, k, []byte(`true`)); err != nil {
				t.Errorf("Set(%s): %v", k, err)
			}
		}(k)
	}
	wg.Wait()

	for _, k := range keys {
		if _, ok, _ := s.Get(ctx, k); !ok {
			t.Errorf("key %s lost to a concurrent write", k)
		}
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	s := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Set(ctx, "k", []byte(`1`)); err == nil {
		t.Error("Set with canceled context should fail")
	}
}

func TestRedisStore_Prefix(t *testing.T) {
	s, mr := newRedisStore(t, WithPrefix("lfslock:/work/game:"))
	if err := s.Set(context.Background(), "git-vcs-lockedfiles-key", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	got, err := mr.Get("lfslock:/work/game:git-vcs-lockedfiles-key")
	if err != nil || got != "{}" {
		t.Errorf("raw redis value = %q, %v", got, err)
	}
}

func TestDialRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	s, err := DialRedis(context.Background(), mr.Addr(), 0)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	_ = s.Close()

	mr.Close()
	if _, err := DialRedis(context.Background(), mr.Addr(), 0); err == nil {
		t.Error("DialRedis to a stopped server should fail")
	}
}
