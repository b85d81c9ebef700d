package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

const (
	// StateFileName is the JSON document holding every key.
	StateFileName = "lfslock-state.json"
	lockFileName  = "lfslock-state.lock"
)

// FileStore persists keys to a JSON document in dir. Writes are atomic: the
// document is written to a temporary file and renamed into place. An
// exclusive file lock is held around every read-modify-write so several
// lfslock processes can share one directory.
type FileStore struct {
	dir string
	// mu serializes goroutines; a Flock already held by this process
	// does not block a second Lock call.
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileStore creates a FileStore in dir, creating the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, StateFileName)
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// read loads the document. A missing file is an empty document.
func (s *FileStore) read() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal state file: %w", err)
	}
	return doc, nil
}

func (s *FileStore) write(doc map[string]json.RawMessage) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	target := s.path()
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := s.withLock(ctx, func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		raw, found := doc[key]
		if found {
			value, ok = []byte(raw), true
		}
		return nil
	})
	return value, ok, err
}

// Set implements Store. value must be valid JSON.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}
	return s.withLock(ctx, func() error {
		doc, err := s.read()
		if err != nil {
			// A corrupt document is replaced rather than blocking every write.
			doc = make(map[string]json.RawMessage)
		}
		doc[key] = json.RawMessage(value)
		return s.write(doc)
	})
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.withLock(ctx, func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		if _, ok := doc[key]; !ok {
			return nil
		}
		delete(doc, key)
		return s.write(doc)
	})
}

// Close implements Store.
func (s *FileStore) Close() error {
	return s.lock.Close()
}
