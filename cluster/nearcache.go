package cluster

import (
	"sync"
	"time"
)

// DefaultNearCacheTTL and the bounds named in §4.7 ("default 5s, range
// 3s-2min").
const (
	DefaultNearCacheTTL = 5 * time.Second
	MinNearCacheTTL     = 3 * time.Second
	MaxNearCacheTTL     = 2 * time.Minute
)

// ClampNearCacheTTL enforces the configured range, used when loading a
// near-cache TTL from configuration.
func ClampNearCacheTTL(d time.Duration) time.Duration {
	if d < MinNearCacheTTL {
		return MinNearCacheTTL
	}
	if d > MaxNearCacheTTL {
		return MaxNearCacheTTL
	}
	return d
}

// Snapshot is the serializable, last-observed projection of a remote
// partition-owned state (§4.7 "Near cache"). It never carries the
// per-node-only fields (local oplock record, local fileId).
type Snapshot struct {
	Path           string
	Status         uint8
	OpenCount      int
	SharingMode    uint32
	PrimaryOwner   string
	OplockLevel    uint8
	DataUpdateNode string
}

// nearCacheEntry tags a Snapshot with the bookkeeping described in §4.7.
type nearCacheEntry struct {
	snapshot         Snapshot
	lastLocalUse     time.Time
	lastRemoteUpdate time.Time
	valid            bool
	expiresAt        time.Time
}

// NearCache is a per-node bounded mapping from path to last-observed
// state snapshot. Reads consult it before falling back to a remote task;
// entries expire on TTL or explicit invalidation.
type NearCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*nearCacheEntry
}

func NewNearCache(ttl time.Duration) *NearCache {
	if ttl <= 0 {
		ttl = DefaultNearCacheTTL
	}
	return &NearCache{
		ttl:     ClampNearCacheTTL(ttl),
		entries: make(map[string]*nearCacheEntry),
	}
}

// Get returns the cached snapshot for path if present, unexpired, and
// valid, updating lastLocalUse. The bool reports a usable hit.
func (c *NearCache) Get(path string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok || !e.valid {
		return Snapshot{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, path)
		return Snapshot{}, false
	}
	e.lastLocalUse = time.Now()
	return e.snapshot, true
}

// Put installs or refreshes the snapshot observed for path, e.g. after a
// remote task result or a StateUpdate topic message.
func (c *NearCache) Put(path string, snapshot Snapshot) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = &nearCacheEntry{
		snapshot:         snapshot,
		lastLocalUse:     now,
		lastRemoteUpdate: now,
		valid:            true,
		expiresAt:        now.Add(c.ttl),
	}
}

// Invalidate marks path's entry invalid without removing it, so a
// subsequent Get misses and refetches, but the stale snapshot remains
// available for diagnostics until overwritten.
func (c *NearCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		e.valid = false
	}
}

// Rename moves a cached entry from oldPath to newPath (§4.7 directory
// prefix rename applies this per affected key).
func (c *NearCache) Rename(oldPath, newPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[oldPath]
	if !ok {
		return
	}
	delete(c.entries, oldPath)
	e.snapshot.Path = newPath
	c.entries[newPath] = e
}

// Len reports the number of tracked entries, valid or not.
func (c *NearCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
