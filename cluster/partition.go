package cluster

import "sync"

// rangeLock is the cluster-local analogue of a byte-range lock entry,
// kept deliberately minimal: the distributed map only needs enough to
// detect cross-owner overlap, not the full local lockList machinery.
type rangeLock struct {
	owner  string
	offset uint64
	length uint64
	write  bool
}

func (l rangeLock) overlaps(o rangeLock) bool {
	return l.offset < o.offset+o.length && o.offset < l.offset+l.length
}

// PartitionState is the authoritative record for one path on the node
// that owns it (§4.7: "every state is physically owned by exactly one
// cluster node"). Every method here is invoked only while the owning
// PartitionStore holds the key's lock — the distributed-map equivalent
// of FileState's sync.Mutex.
type PartitionState struct {
	Path           string
	Status         uint8
	OpenCount      int
	SharingMode    uint32
	PrimaryOwner   string
	OplockLevel    uint8
	OplockOwner    string
	DataUpdateNode string
	locks          []rangeLock
}

func (p *PartitionState) toSnapshot() Snapshot {
	return Snapshot{
		Path:           p.Path,
		Status:         p.Status,
		OpenCount:      p.OpenCount,
		SharingMode:    p.SharingMode,
		PrimaryOwner:   p.PrimaryOwner,
		OplockLevel:    p.OplockLevel,
		DataUpdateNode: p.DataUpdateNode,
	}
}

// PartitionStore holds every PartitionState this node currently owns,
// keyed by path, each guarded by its own lock (§5 "per-state exclusive
// lock ... in the clustered variant, this is the distributed map's
// per-key lock").
type PartitionStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	data  map[string]*PartitionState
}

func NewPartitionStore() *PartitionStore {
	return &PartitionStore{
		locks: make(map[string]*sync.Mutex),
		data:  make(map[string]*PartitionState),
	}
}

// withLock runs fn with path's key lock held, creating the entry (with
// the given default status) on first touch.
func (s *PartitionStore) withLock(path string, defaultStatus uint8, fn func(*PartitionState)) {
	s.mu.Lock()
	keyLock, ok := s.locks[path]
	if !ok {
		keyLock = &sync.Mutex{}
		s.locks[path] = keyLock
	}
	state, ok := s.data[path]
	if !ok {
		state = &PartitionState{Path: path, Status: defaultStatus}
		s.data[path] = state
	}
	s.mu.Unlock()

	keyLock.Lock()
	defer keyLock.Unlock()
	fn(state)
}

// Snapshot returns the current projection for path without mutating it.
func (s *PartitionStore) Snapshot(path string) (Snapshot, bool) {
	s.mu.Lock()
	state, ok := s.data[path]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return state.toSnapshot(), true
}

// GrantAccess applies the first-opener / concurrent-opener rules from
// §4.4, simplified for the distributed map: the full oplock break
// deferred-queue machinery lives on the owning session's node (§4.8). When
// a concurrent opener collides with an oplock held by a different node,
// GrantAccess clears it here rather than granting silently, and reports
// the previous holder as breakOwner/breakLevel so the caller can publish
// the cross-node OplockBreakRequest/Notify pair instead of dropping it.
func (s *PartitionStore) GrantAccess(path string, nodeName string, shareMask uint32, requestedOplock uint8) (snap Snapshot, failure string, breakOwner string, breakLevel uint8) {
	s.withLock(path, statusUnknown, func(p *PartitionState) {
		if p.OpenCount == 0 {
			p.SharingMode = shareMask
			p.PrimaryOwner = nodeName
			p.OpenCount = 1
			p.OplockLevel = requestedOplock
			if requestedOplock != 0 {
				p.OplockOwner = nodeName
			}
			snap = p.toSnapshot()
			return
		}

		if shareMask&p.SharingMode != shareMask {
			failure = "SharingViolation"
			return
		}

		if p.OplockOwner != "" && p.OplockOwner != nodeName {
			breakOwner = p.OplockOwner
			breakLevel = p.OplockLevel
			p.OplockLevel = 0
			p.OplockOwner = ""
		}

		p.SharingMode &= shareMask
		p.OpenCount++
		snap = p.toSnapshot()
	})
	return
}

// AddOplock grants level to nodeName, failing with ExistingOpLock if a
// different node already holds one (§4.7 "addOpLock").
func (s *PartitionStore) AddOplock(path, nodeName string, level uint8) (Snapshot, string) {
	var result Snapshot
	var failure string
	s.withLock(path, statusUnknown, func(p *PartitionState) {
		if p.OplockOwner != "" && p.OplockOwner != nodeName {
			failure = "ExistingOpLock"
			return
		}
		p.OplockLevel = level
		p.OplockOwner = nodeName
		result = p.toSnapshot()
	})
	return result, failure
}

// RemoveOplock clears whatever oplock path currently holds (§4.7 "removeOpLock").
func (s *PartitionStore) RemoveOplock(path string) Snapshot {
	var result Snapshot
	s.withLock(path, statusUnknown, func(p *PartitionState) {
		p.OplockLevel = 0
		p.OplockOwner = ""
		result = p.toSnapshot()
	})
	return result
}

// ChangeOplockType updates the level of an already-held oplock without
// touching ownership, e.g. a break downgrading Exclusive to Level2
// (§4.7 "changeOplockType").
func (s *PartitionStore) ChangeOplockType(path string, level uint8) Snapshot {
	var result Snapshot
	s.withLock(path, statusUnknown, func(p *PartitionState) {
		p.OplockLevel = level
		result = p.toSnapshot()
	})
	return result
}

// DataUpdate marks nodeName as currently writing path's data, or clears
// the marker when inProgress is false and nodeName still holds it (§3
// "dataUpdateNode").
func (s *PartitionStore) DataUpdate(path, nodeName string, inProgress bool) Snapshot {
	var result Snapshot
	s.withLock(path, statusUnknown, func(p *PartitionState) {
		if inProgress {
			p.DataUpdateNode = nodeName
		} else if p.DataUpdateNode == nodeName {
			p.DataUpdateNode = ""
		}
		result = p.toSnapshot()
	})
	return result
}

// ReleaseAccess decrements openCount and resets ownership on last close.
func (s *PartitionStore) ReleaseAccess(path string) Snapshot {
	var result Snapshot
	s.withLock(path, statusUnknown, func(p *PartitionState) {
		if p.OpenCount > 0 {
			p.OpenCount--
		}
		if p.OpenCount == 0 {
			p.SharingMode = 0
			p.PrimaryOwner = ""
			p.OplockLevel = 0
			p.OplockOwner = ""
			p.locks = nil
		}
		result = p.toSnapshot()
	})
	return result
}

// AddLock fails with LockConflict if any different-owner range overlaps.
func (s *PartitionStore) AddLock(path, owner string, offset, length uint64, write bool) string {
	var failure string
	s.withLock(path, statusUnknown, func(p *PartitionState) {
		candidate := rangeLock{owner: owner, offset: offset, length: length, write: write}
		for _, existing := range p.locks {
			if existing.owner != owner && existing.overlaps(candidate) {
				failure = "LockConflict"
				return
			}
		}
		p.locks = append(p.locks, candidate)
	})
	return failure
}

// RemoveLock fails with NotLocked if no exact match exists for owner.
func (s *PartitionStore) RemoveLock(path, owner string, offset, length uint64) string {
	var failure string
	s.withLock(path, statusUnknown, func(p *PartitionState) {
		for i, existing := range p.locks {
			if existing.owner == owner && existing.offset == offset && existing.length == length {
				p.locks = append(p.locks[:i], p.locks[i+1:]...)
				return
			}
		}
		failure = "NotLocked"
	})
	return failure
}

// UpdateStatus reconciles the observed filesystem status (§4.4 step 1).
func (s *PartitionStore) UpdateStatus(path string, status uint8) Snapshot {
	var result Snapshot
	s.withLock(path, status, func(p *PartitionState) {
		p.Status = status
		result = p.toSnapshot()
	})
	return result
}

// ReconcileDeparture applies §4.7's member-departure rule to every state
// this node owns whose primary owner or oplock owner is departedNode.
func (s *PartitionStore) ReconcileDeparture(departedNode string) int {
	s.mu.Lock()
	paths := make([]string, 0, len(s.data))
	for p := range s.data {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	affected := 0
	for _, path := range paths {
		s.withLock(path, statusUnknown, func(p *PartitionState) {
			touched := false
			if p.PrimaryOwner == departedNode {
				if p.OpenCount > 0 {
					p.OpenCount--
				}
				p.SharingMode = 0
				p.PrimaryOwner = ""
				touched = true
			}
			if p.OplockOwner == departedNode {
				p.OplockLevel = 0
				p.OplockOwner = ""
				touched = true
			}
			kept := p.locks[:0]
			for _, l := range p.locks {
				if l.owner == departedNode {
					touched = true
					continue
				}
				kept = append(kept, l)
			}
			p.locks = kept
			if touched {
				affected++
			}
		})
	}
	return affected
}

// MovePrefix renames path and every key it owns under oldPrefix+"/" to
// the same suffix under newPrefix (§4.7 "directory prefix rename").
// Returns the set of paths that moved.
func (s *PartitionStore) MovePrefix(oldPrefix, newPrefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved []string
	for path, state := range s.data {
		if path != oldPrefix && !hasPathPrefix(path, oldPrefix) {
			continue
		}
		newPath := newPrefix + path[len(oldPrefix):]
		state.Path = newPath
		delete(s.data, path)
		s.data[newPath] = state
		if lock, ok := s.locks[path]; ok {
			delete(s.locks, path)
			s.locks[newPath] = lock
		}
		moved = append(moved, path)
	}
	return moved
}

func hasPathPrefix(path, prefix string) bool {
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

const statusUnknown uint8 = 0
