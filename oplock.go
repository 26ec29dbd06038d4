package smbfs

import "time"

// OplockLevel mirrors the SMB2 wire levels (§4.3).
type OplockLevel uint8

const (
	OplockNone OplockLevel = iota
	OplockLevel2
	OplockExclusive
	OplockExclusiveBatch
)

func (l OplockLevel) String() string {
	switch l {
	case OplockLevel2:
		return "Level2"
	case OplockExclusive:
		return "Exclusive"
	case OplockExclusiveBatch:
		return "ExclusiveBatch"
	default:
		return "None"
	}
}

// wireLevel converts to the SMB2_OPLOCK_LEVEL_* wire constant.
func (l OplockLevel) wireLevel() uint8 {
	switch l {
	case OplockLevel2:
		return SMB2_OPLOCK_LEVEL_II
	case OplockExclusive:
		return SMB2_OPLOCK_LEVEL_EXCLUSIVE
	case OplockExclusiveBatch:
		return SMB2_OPLOCK_LEVEL_BATCH
	default:
		return SMB2_OPLOCK_LEVEL_NONE
	}
}

// oplockFromWireLevel converts an SMB2_OPLOCK_LEVEL_* wire byte to the
// internal level, collapsing the unsupported lease level to None.
func oplockFromWireLevel(wire uint8) OplockLevel {
	switch wire {
	case SMB2_OPLOCK_LEVEL_II:
		return OplockLevel2
	case SMB2_OPLOCK_LEVEL_EXCLUSIVE:
		return OplockExclusive
	case SMB2_OPLOCK_LEVEL_BATCH:
		return OplockExclusiveBatch
	default:
		return OplockNone
	}
}

// breakState is the oplock break state machine (§4.3):
// Held -> BreakInProgress -> (Broken | BreakFailed).
type breakState uint8

const (
	breakHeld breakState = iota
	breakInProgress
	breakBroken
	breakFailed
)

// OplockOwner identifies who holds an oplock: the session/process/tree/file
// that requested it. Never a pointer to the Session itself (§9 "back-
// references from oplock records to owner sessions must not be ownership").
type OplockOwner struct {
	Node      string
	SessionID uint64
	ProcessID uint32
	TreeID    uint32
	FileID    FileID
}

// OplockRecord is the per-state oplock descriptor (§3, §4.3).
type OplockRecord struct {
	Level       OplockLevel
	Owner       OplockOwner
	state       breakState
	breakSentAt time.Time
	breakFailed bool
	deferred    *deferredQueue
}

func newOplockRecord(level OplockLevel, owner OplockOwner, maxDeferred int) *OplockRecord {
	return &OplockRecord{
		Level:    level,
		Owner:    owner,
		state:    breakHeld,
		deferred: newDeferredQueue(maxDeferred),
	}
}

// isHeld reports whether the oplock is still actively held (not mid-break
// and not terminally failed/broken).
func (o *OplockRecord) isHeld() bool {
	return o.state == breakHeld
}

// beginBreak transitions Held -> BreakInProgress, recording breakSentAt.
// Returns false if the oplock was not in Held state (caller should not
// re-send a break request).
func (o *OplockRecord) beginBreak(now time.Time) bool {
	if o.state != breakHeld {
		return false
	}
	o.state = breakInProgress
	o.breakSentAt = now
	return true
}

// acknowledge transitions BreakInProgress -> Broken, as triggered by the
// owning client lowering its oplock level or closing the file (§4.3
// transition 2). Returns the deferred requests to requeue, in insertion
// order, and clears the queue.
func (o *OplockRecord) acknowledge(newLevel OplockLevel) []*DeferredRequest {
	if o.state != breakInProgress {
		return nil
	}
	o.state = breakBroken
	o.Level = newLevel
	return o.deferred.drainAll()
}

// timeout transitions BreakInProgress -> BreakFailed (§4.3 transition 3).
// Returns the deferred requests, which the caller must fail with
// AccessDenied and whose buffers it must release.
func (o *OplockRecord) timeout() []*DeferredRequest {
	if o.state != breakInProgress {
		return nil
	}
	o.state = breakFailed
	o.breakFailed = true
	return o.deferred.drainAll()
}

// inProgress reports whether a break is currently outstanding.
func (o *OplockRecord) inProgress() bool {
	return o.state == breakInProgress
}
