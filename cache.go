package smbfs

import (
	"context"
	"sync"
	"time"
)

// StateCacheConfig configures a LocalStateCache (§6 "Configuration").
type StateCacheConfig struct {
	CaseSensitive      bool
	ExpiryInterval     time.Duration // default 15s, §4.6
	MaxDeferredPerLock int           // default 3, §3 OplockRecord
	OplockBreakTimeout time.Duration
	SendNotExistStates bool
	NodeName           string
}

// DefaultStateCacheConfig returns the defaults named in §6.
func DefaultStateCacheConfig() StateCacheConfig {
	return StateCacheConfig{
		CaseSensitive:      false,
		ExpiryInterval:     15 * time.Second,
		MaxDeferredPerLock: 3,
		OplockBreakTimeout: 35 * time.Second,
		NodeName:           "local",
	}
}

// StateCacheListener receives lifecycle notifications from the cache
// (§4.2 "Listener hooks"). Implementations must not call back into the
// cache under the same key's lock.
type StateCacheListener interface {
	OnCreated(path string, state *FileState)
	OnExpired(path string, state *FileState)
	OnClosed(path string, state *FileState)
}

// StateCache is the typed API exposed to the SMB dispatcher (§6).
type StateCache interface {
	Lookup(path string) (*FileState, bool)
	LookupOrCreate(path string, initial FileStatus) (*FileState, error)
	Remove(path string) (*FileState, bool)
	Rename(oldPath, newPath string, isDir bool) error
	RemoveExpired() int
	AddListener(l StateCacheListener)
	Config() StateCacheConfig
}

// LocalStateCache is the single-node File State Cache (§4.2). It owns a
// map from PathKey to *FileState, an expiry reaper goroutine grounded on
// Server.sessionCleanupLoop's ticker pattern, and the oplock break
// scheduler that drives breaks for states it owns.
type LocalStateCache struct {
	config StateCacheConfig
	logger ServerLogger

	mu     sync.Mutex
	states map[PathKey]*FileState

	listenersMu sync.RWMutex
	listeners   []StateCacheListener

	scheduler *OplockBreakScheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalStateCache creates a cache and starts its reaper goroutine. Call
// Stop to tear it down (e.g. alongside Server.Stop).
func NewLocalStateCache(config StateCacheConfig, logger ServerLogger) *LocalStateCache {
	if config.ExpiryInterval == 0 {
		config.ExpiryInterval = 15 * time.Second
	}
	if config.MaxDeferredPerLock == 0 {
		config.MaxDeferredPerLock = 3
	}
	if logger == nil {
		logger = &NullLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &LocalStateCache{
		config: config,
		logger: logger,
		states: make(map[PathKey]*FileState),
		ctx:    ctx,
		cancel: cancel,
	}
	c.scheduler = NewOplockBreakScheduler(c, logger)

	c.wg.Add(1)
	go c.reapLoop()

	return c
}

// Stop halts the reaper and scheduler goroutines.
func (c *LocalStateCache) Stop() {
	c.cancel()
	c.scheduler.Stop()
	c.wg.Wait()
}

func (c *LocalStateCache) Config() StateCacheConfig {
	return c.config
}

// Scheduler returns the oplock break scheduler driving this cache's
// states, so the dispatcher can wire a BreakSender and trigger/acknowledge
// breaks (§4.3, §5).
func (c *LocalStateCache) Scheduler() *OplockBreakScheduler {
	return c.scheduler
}

func (c *LocalStateCache) AddListener(l StateCacheListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *LocalStateCache) notify(event func(StateCacheListener)) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		event(l)
	}
}

// Lookup never creates (§4.2).
func (c *LocalStateCache) Lookup(path string) (*FileState, bool) {
	key, err := newPathKey(path, c.config.CaseSensitive)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[key]
	return state, ok
}

// LookupOrCreate is atomic: under concurrent callers, exactly one creates
// and the others observe the created state (§4.2).
func (c *LocalStateCache) LookupOrCreate(path string, initial FileStatus) (*FileState, error) {
	key, err := newPathKey(path, c.config.CaseSensitive)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	state, existed := c.states[key]
	if !existed {
		state = newFileState(key, initial, c.expiryWindow())
		c.states[key] = state
	}
	c.mu.Unlock()

	if !existed {
		c.notify(func(l StateCacheListener) { l.OnCreated(path, state) })
	}
	return state, nil
}

// Remove notifies listeners with a closed event; fails silently (returns
// false) if absent (§4.2).
func (c *LocalStateCache) Remove(path string) (*FileState, bool) {
	key, err := newPathKey(path, c.config.CaseSensitive)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	state, ok := c.states[key]
	if ok {
		delete(c.states, key)
	}
	c.mu.Unlock()

	if ok {
		c.notify(func(l StateCacheListener) { l.OnClosed(path, state) })
	}
	return state, ok
}

// Rename atomically repoints a state under a new key, clearing its
// attribute bag, and rewrites every descendant key when isDir (§4.2, §4.7
// "directory prefix rename").
func (c *LocalStateCache) Rename(oldPath, newPath string, isDir bool) error {
	oldKey, err := newPathKey(oldPath, c.config.CaseSensitive)
	if err != nil {
		return err
	}
	newKey, err := newPathKey(newPath, c.config.CaseSensitive)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.states[oldKey]; ok {
		state.lock()
		state.path = newKey
		state.attributes.clear()
		state.unlock()

		delete(c.states, oldKey)
		c.states[newKey] = state
	}

	if isDir {
		c.rewriteDescendants(oldKey, newKey)
	}
	return nil
}

// rewriteDescendants moves every key under oldPrefix to the same suffix
// under newPrefix. Caller must hold c.mu.
func (c *LocalStateCache) rewriteDescendants(oldPrefix, newPrefix PathKey) {
	var toMove []PathKey
	for key := range c.states {
		if key != oldPrefix && key.hasPrefix(oldPrefix) {
			toMove = append(toMove, key)
		}
	}
	for _, key := range toMove {
		state := c.states[key]
		newKey := key.rebase(oldPrefix, newPrefix)

		state.lock()
		state.path = newKey
		state.attributes.clear()
		state.unlock()

		delete(c.states, key)
		c.states[newKey] = state
	}
}

// RemoveExpired scans and reaps eligible states (§4.6), returning the
// count reaped. Iteration snapshots the key set so concurrent insertions
// during the scan are tolerated.
func (c *LocalStateCache) RemoveExpired() int {
	now := time.Now()

	c.mu.Lock()
	var toReap []PathKey
	for key, state := range c.states {
		state.lock()
		reap := state.reapable(now)
		state.unlock()
		if reap {
			toReap = append(toReap, key)
		}
	}

	reaped := make([]*FileState, 0, len(toReap))
	for _, key := range toReap {
		state, ok := c.states[key]
		if !ok {
			continue // raced with a concurrent remove; skip-if-missing
		}
		state.lock()
		stillReapable := state.reapable(now)
		state.unlock()
		if !stillReapable {
			continue
		}
		delete(c.states, key)
		reaped = append(reaped, state)
	}
	c.mu.Unlock()

	// Listener invocation happens outside the cache-wide lock (§4.6).
	for _, state := range reaped {
		path := state.path.String()
		c.notify(func(l StateCacheListener) { l.OnExpired(path, state) })
	}
	return len(reaped)
}

func (c *LocalStateCache) expiryWindow() time.Duration {
	if c.config.ExpiryInterval <= 0 {
		return 15 * time.Second
	}
	return c.config.ExpiryInterval
}

// reapLoop is the single background reaper task (§4.6), grounded on
// Server.sessionCleanupLoop's ticker-and-context shutdown idiom.
func (c *LocalStateCache) reapLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.expiryWindow())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			reaped := c.RemoveExpired()
			if reaped > 0 {
				c.logger.Debug("state cache reaped %d expired entries", reaped)
			}
		}
	}
}

var _ StateCache = (*LocalStateCache)(nil)
