package cluster

import "sync"

// LocalOplockHandle is the socket-bound oplock owner, kept per-node rather
// than replicated: the session it names only means something on the node
// that accepted the connection (§4.7 "Per-node state").
type LocalOplockHandle struct {
	SessionID uint64
	ProcessID uint32
	Level     uint8
}

// PerNodeRecord holds the data a path's state needs on this node only:
// the local oplock handle, a locally-cached fileId tied to a local
// handle table entry, and attributes too volatile or non-serializable to
// replicate (open file descriptors, read-ahead buffers).
type PerNodeRecord struct {
	FileID     uint64
	HaveFileID bool
	Oplock     *LocalOplockHandle
	Attributes map[string]string
}

// PerNodeMap is keyed by path, like the main distributed map, but is
// updated only from local events and invalidation messages, never
// replicated directly (§4.7 "Per-node state").
type PerNodeMap struct {
	mu      sync.Mutex
	records map[string]*PerNodeRecord
}

func NewPerNodeMap() *PerNodeMap {
	return &PerNodeMap{records: make(map[string]*PerNodeRecord)}
}

func (m *PerNodeMap) Get(path string) (*PerNodeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[path]
	return r, ok
}

func (m *PerNodeMap) GetOrCreate(path string) *PerNodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[path]
	if !ok {
		r = &PerNodeRecord{Attributes: make(map[string]string)}
		m.records[path] = r
	}
	return r
}

func (m *PerNodeMap) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, path)
}

// Rename moves a per-node record from oldPath to newPath, used by
// directory-prefix rename propagation.
func (m *PerNodeMap) Rename(oldPath, newPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[oldPath]
	if !ok {
		return
	}
	delete(m.records, oldPath)
	m.records[newPath] = r
}

// RemoveOwnedBy clears the oplock handle of every record whose owner
// session matches sessionID, used by member departure reconciliation
// when the departed member was this node itself reconciling a stale
// handle (the common case — another node's departure — is reconciled
// against the main partition state, not this per-node map).
func (m *PerNodeMap) RemoveOwnedBy(sessionID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	for _, r := range m.records {
		if r.Oplock != nil && r.Oplock.SessionID == sessionID {
			r.Oplock = nil
			cleared++
		}
	}
	return cleared
}

// Paths returns every path currently tracked, used when scanning for
// directory-prefix descendants.
func (m *PerNodeMap) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.records))
	for p := range m.records {
		paths = append(paths, p)
	}
	return paths
}
