package smbfs

import (
	"sync"
	"time"
)

// FileStatus is the observed existence state of a cached path (§3).
type FileStatus uint8

const (
	StatusUnknown FileStatus = iota
	StatusNotExist
	StatusFileExists
	StatusDirectoryExists
)

// SharingMode is a bit set of {Read, Write, Delete} granted to additional
// opens beyond the current openers (§3).
type SharingMode uint32

const (
	ShareNone   SharingMode = 0
	ShareRead   SharingMode = 1 << 0
	ShareWrite  SharingMode = 1 << 1
	ShareDelete SharingMode = 1 << 2

	ShareReadWriteDelete = ShareRead | ShareWrite | ShareDelete
)

func sharingModeFromShareAccess(shareAccess uint32) SharingMode {
	var m SharingMode
	if shareAccess&FILE_SHARE_READ != 0 {
		m |= ShareRead
	}
	if shareAccess&FILE_SHARE_WRITE != 0 {
		m |= ShareWrite
	}
	if shareAccess&FILE_SHARE_DELETE != 0 {
		m |= ShareDelete
	}
	return m
}

// OpenerIdentity names the first opener of a FileState (§3 primaryOwner).
type OpenerIdentity struct {
	Node      string
	SessionID uint64
}

func (o OpenerIdentity) isZero() bool {
	return o == OpenerIdentity{}
}

// FileState is the per-path record coordinating opens, locks, and oplocks
// (§3). Every read-modify-write on a FileState holds mu for the duration
// of the decision only, never across network or disk I/O (§5).
type FileState struct {
	mu sync.Mutex

	path           PathKey
	status         FileStatus
	fileID         uint64
	haveFileID     bool
	openCount      int
	sharingMode    SharingMode
	primaryOwner   OpenerIdentity
	locks          lockList
	oplock         *OplockRecord
	attributes     attributeBag
	expiryDeadline time.Time
	permanent      bool
	dataUpdateNode string
}

func newFileState(path PathKey, status FileStatus, expiryWindow time.Duration) *FileState {
	return &FileState{
		path:           path,
		status:         status,
		sharingMode:    ShareReadWriteDelete,
		expiryDeadline: time.Now().Add(expiryWindow),
	}
}

// lock acquires the per-state exclusive lock. Callers must pair with
// unlock and must not perform I/O or invoke listener callbacks while held.
func (s *FileState) lock()   { s.mu.Lock() }
func (s *FileState) unlock() { s.mu.Unlock() }

// reapable reports whether the state may be reaped right now (§3, §4.6):
// expired, unopened, and not pinned permanent. Caller must hold s.mu.
func (s *FileState) reapable(now time.Time) bool {
	return !s.permanent && s.openCount == 0 && s.expiryDeadline.Before(now)
}

// touch moves the expiry deadline to window from now. The cache sets the
// deadline when it creates a state and does not call touch itself; an
// open file is kept from being reaped by its non-zero openCount.
func (s *FileState) touch(window time.Duration) {
	s.expiryDeadline = time.Now().Add(window)
}

// checkInvariants is a debug assertion used by tests (§8 "Invariants").
// It never runs on the hot path.
func (s *FileState) checkInvariants() bool {
	if s.openCount == 0 {
		if s.sharingMode != ShareReadWriteDelete {
			return false
		}
		if !s.primaryOwner.isZero() {
			return false
		}
		if s.oplock != nil {
			return false
		}
		if !s.locks.isEmpty() {
			return false
		}
	}
	if s.oplock != nil && s.openCount < 1 {
		return false
	}
	if s.status == StatusNotExist && (s.haveFileID || s.attributes.len() != 0) {
		return false
	}
	return true
}
