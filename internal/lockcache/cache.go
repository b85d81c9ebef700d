// Package lockcache persists the lock set together with the PID of the
// process that wrote it.
//
// A cached record is trusted only by the process that wrote it. A record
// written by another PID, a missing record, or one that cannot be decoded
// is stale, and the caller must rebuild its lock set from the server before
// trusting any lock.
package lockcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/logging"
	"github.com/Iron-Ham/lfslock/internal/store"
)

// Key is the store key of the lock record.
const Key = "git-vcs-lockedfiles-key"

// Entry is one persisted lock. OS handles are never persisted.
type Entry struct {
	Path string `json:"Path"`
	User string `json:"User"`
}

// Record is the persisted document.
type Record struct {
	PID   int     `json:"PID"`
	Locks []Entry `json:"Locks"`
}

// Status describes the outcome of Load.
type Status int

const (
	// StatusTrusted means the record was written by this process.
	StatusTrusted Status = iota
	// StatusAbsent means no record exists.
	StatusAbsent
	// StatusForeign means the record was written by another process.
	StatusForeign
	// StatusCorrupt means the record could not be decoded.
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusTrusted:
		return "trusted"
	case StatusAbsent:
		return "absent"
	case StatusForeign:
		return "foreign"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Cache reads and writes the lock record for one process.
type Cache struct {
	store  store.Store
	pid    int
	logger *logging.Logger
}

// New creates a Cache for the process identified by pid.
func New(s store.Store, pid int, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Cache{store: s, pid: pid, logger: logger.WithComponent("lockcache")}
}

// PID returns the process identifier records are written with.
func (c *Cache) PID() int {
	return c.pid
}

// Save writes locks under this process's PID.
func (c *Cache) Save(ctx context.Context, locks []Entry) error {
	if locks == nil {
		locks = []Entry{}
	}
	data, err := json.Marshal(Record{PID: c.pid, Locks: locks})
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	if err := c.store.Set(ctx, Key, data); err != nil {
		return fmt.Errorf("save lock record: %w", err)
	}
	return nil
}

// Load reads the record. The entries are returned only when the status is
// StatusTrusted. Any other status carries an error wrapping ErrStaleCache,
// except a store failure, which is returned as-is with StatusAbsent.
func (c *Cache) Load(ctx context.Context) ([]Entry, Status, error) {
	data, ok, err := c.store.Get(ctx, Key)
	if err != nil {
		return nil, StatusAbsent, fmt.Errorf("load lock record: %w", err)
	}
	if !ok {
		return nil, StatusAbsent, errors.Join(errors.ErrStaleCache, errors.New("no lock record"))
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("discarding undecodable lock record", "error", err.Error())
		return nil, StatusCorrupt, errors.Join(errors.ErrStaleCache, err)
	}
	if rec.PID != c.pid {
		c.logger.Info("discarding lock record from another process",
			"record_pid", rec.PID, "pid", c.pid, "locks", len(rec.Locks))
		return nil, StatusForeign, errors.Join(errors.ErrStaleCache,
			fmt.Errorf("record pid %d does not match %d", rec.PID, c.pid))
	}
	return rec.Locks, StatusTrusted, nil
}

// Clear removes the record.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Delete(ctx, Key)
}
