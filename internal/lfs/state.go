package lfs

import (
	"path"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/Iron-Ham/lfslock/internal/enforce"
	"github.com/Iron-Ham/lfslock/internal/lockcache"
	"github.com/Iron-Ham/lfslock/internal/vcs"
)

// LockedFile is one entry of the lock set. handle is non-nil only for
// locks owned by another user while edit prevention is enabled.
type LockedFile struct {
	Path   string
	Owner  string
	handle *enforce.Handle
}

// LockInfo is a read-only view of a LockedFile.
type LockInfo struct {
	Path     string
	Owner    string
	Local    bool // owned by the configured user
	Enforced bool // an OS lock is held on the file
}

// LockSnapshot fingerprints the lock set at one instant. Generation
// advances on every foreground mutation, so equal snapshots mean nothing
// was locked, unlocked or refreshed in between.
type LockSnapshot struct {
	Count      int
	Generation uint64
}

// Snapshot is a consistent copy of the engine's observable state.
type Snapshot struct {
	Locks              []LockInfo
	Modified           []string
	LockGeneration     uint64
	ModifiedGeneration uint64
	LockDigest         uint64
	ModifiedDigest     uint64
	LockablePatterns   []string
	Discards           int // poll results dropped after a foreground change
	Reconciles         int // poll lock sets applied
	QueueDepth         int
	Busy               bool
}

// AncestorClosure returns paths plus every proper ancestor directory whose
// depth is at least floor. The repository root is never included; a floor
// below 1 is treated as 1. "Assets/x.png" with floor 1 yields
// {"Assets/x.png", "Assets"}.
func AncestorClosure(paths []string, floor int) map[string]struct{} {
	if floor < 1 {
		floor = 1
	}
	set := make(map[string]struct{}, len(paths)*2)
	for _, p := range paths {
		p = vcs.NormalizePath(p)
		if p == "" {
			continue
		}
		set[p] = struct{}{}
		for dir := path.Dir(p); dir != "." && dir != "/" && depth(dir) >= floor; dir = path.Dir(dir) {
			if _, seen := set[dir]; seen {
				// Everything above dir was added with it.
				break
			}
			set[dir] = struct{}{}
		}
	}
	return set
}

func depth(dir string) int {
	return strings.Count(strings.Trim(dir, "/"), "/") + 1
}

// lockDigest hashes the (path, owner) pairs independent of map order.
func lockDigest(locks map[string]*LockedFile) uint64 {
	keys := sortedKeys(locks)
	h := xxh3.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(locks[k].Owner)
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

// pathDigest hashes a path set independent of map order.
func pathDigest(set map[string]struct{}) uint64 {
	keys := sortedSet(set)
	h := xxh3.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

func sortedKeys(locks map[string]*LockedFile) []string {
	keys := make([]string, 0, len(locks))
	for k := range locks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// entries converts the lock set to persisted form, sorted by path.
func entries(locks map[string]*LockedFile) []lockcache.Entry {
	out := make([]lockcache.Entry, 0, len(locks))
	for _, k := range sortedKeys(locks) {
		out = append(out, lockcache.Entry{Path: k, User: locks[k].Owner})
	}
	return out
}

// normalizePaths cleans and de-duplicates caller-supplied paths, keeping
// their order.
func normalizePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = vcs.NormalizePath(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
