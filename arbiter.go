package smbfs

import "time"

// RequestedAccess is the caller's coarse access intent (§4.4). The SMB2
// desired-access bitmask is collapsed into this before reaching the
// arbiter so the decision table doesn't have to re-derive it per call.
type RequestedAccess uint8

const (
	AccessAttributesOnly RequestedAccess = iota
	AccessRead
	AccessWrite
	AccessReadWrite
)

// requestedAccessFromMask derives a RequestedAccess from an SMB2 desired
// access mask, per FILE_READ_DATA/FILE_WRITE_DATA semantics already defined
// in smb2_types.go.
func requestedAccessFromMask(desiredAccess uint32) RequestedAccess {
	read := desiredAccess&FILE_READ_DATA != 0
	write := desiredAccess&FILE_WRITE_DATA != 0 || desiredAccess&DELETE != 0
	switch {
	case read && write:
		return AccessReadWrite
	case write:
		return AccessWrite
	case read:
		return AccessRead
	default:
		return AccessAttributesOnly
	}
}

// AccessParams are the inputs to grantAccess (§4.4).
type AccessParams struct {
	Requested          RequestedAccess
	DesiredAccessMask  uint32
	ShareAccessMask    uint32
	CreateDisposition  uint32
	ObservedStatus     FileStatus
	IsDirectory        bool
	Identity           OpenerIdentity
	ProcessID          uint32
	TreeID             uint32
	FileID             FileID
	RequestedOplock    OplockLevel
	MaxDeferredPerLock int
}

// AccessToken is the opaque receipt returned for a successful grant (§3).
// Release reverses the grant's bookkeeping and is idempotent.
type AccessToken struct {
	state              *FileState
	path               string
	openedAs            RequestedAccess
	grantedSharingMode SharingMode
	GrantedOplockLevel OplockLevel
	released           bool
}

func (t *AccessToken) Path() string                 { return t.path }
func (t *AccessToken) Released() bool                { return t.released }

// DeferredOutcome is returned by grantAccess when the open cannot be
// decided immediately because it collided with a live oplock (§4.3
// "Atomicity with open"). Triggered is true only for the single opener
// whose call to grantAccess actually flipped the oplock Held ->
// BreakInProgress; every later conflicting opener during the same break
// cycle gets Triggered=false and must only enqueue onto the same
// Record.deferred, not send a second break request.
type DeferredOutcome struct {
	Record    *OplockRecord
	Triggered bool
}

// grantAccess implements §4.4's decision order. Callers must already hold
// state.mu (acquired via lookupOrCreate or an existing handle) and release
// it only after inspecting the returned outcome; grantAccess never blocks
// on I/O itself.
//
// Returns exactly one of: (*AccessToken, nil, nil) on immediate grant,
// (nil, *DeferredOutcome, nil) when the caller must suspend the request
// via the deferred queue, or (nil, nil, error) on immediate failure.
func grantAccess(state *FileState, p AccessParams) (*AccessToken, *DeferredOutcome, error) {
	// Step 1: reconcile status with the caller-supplied filesystem probe.
	state.status = p.ObservedStatus

	// Step 2: apply create disposition against observed existence.
	existed := p.ObservedStatus == StatusFileExists || p.ObservedStatus == StatusDirectoryExists
	if err := checkCreateDisposition(p.CreateDisposition, existed, state.path.String()); err != nil {
		return nil, nil, err
	}

	// Step 3: first opener.
	if state.openCount == 0 {
		state.sharingMode = sharingModeFromShareAccess(p.ShareAccessMask)
		state.primaryOwner = p.Identity
		state.openCount = 1

		granted := OplockNone
		if p.RequestedOplock == OplockExclusive || p.RequestedOplock == OplockExclusiveBatch {
			state.oplock = newOplockRecord(p.RequestedOplock, OplockOwner{
				Node:      p.Identity.Node,
				SessionID: p.Identity.SessionID,
				ProcessID: p.ProcessID,
				TreeID:    p.TreeID,
				FileID:    p.FileID,
			}, p.MaxDeferredPerLock)
			granted = p.RequestedOplock
		} else if p.RequestedOplock == OplockLevel2 {
			state.oplock = newOplockRecord(OplockLevel2, OplockOwner{
				Node:      p.Identity.Node,
				SessionID: p.Identity.SessionID,
				ProcessID: p.ProcessID,
				TreeID:    p.TreeID,
				FileID:    p.FileID,
			}, p.MaxDeferredPerLock)
			granted = OplockLevel2
		}

		return &AccessToken{
			state:              state,
			path:               state.path.String(),
			openedAs:           p.Requested,
			grantedSharingMode: state.sharingMode,
			GrantedOplockLevel: granted,
		}, nil, nil
	}

	// Step 4: concurrent opener.
	if p.Requested != AccessAttributesOnly {
		if !accessFitsSharingMode(p.Requested, state.sharingMode) {
			return nil, nil, newCacheError(KindSharingViolation, state.path.String())
		}

		if state.oplock != nil && state.oplock.Owner.SessionID != p.Identity.SessionID {
			if state.oplock.isHeld() {
				state.oplock.beginBreak(time.Now())
				return nil, &DeferredOutcome{Record: state.oplock, Triggered: true}, nil
			}
			if state.oplock.inProgress() {
				// A break is already outstanding for this path; this opener
				// joins the same deferred queue rather than re-triggering
				// beginBreak (§4.3: exactly one transition per break cycle).
				return nil, &DeferredOutcome{Record: state.oplock}, nil
			}
		}

		requested := sharingModeFromShareAccess(p.ShareAccessMask)
		state.sharingMode &= requested
		state.openCount++

		granted := OplockNone
		if p.RequestedOplock == OplockLevel2 {
			granted = OplockLevel2
		}
		// Exclusive/batch oplocks cannot be granted while openCount > 1 (§4.4.4c).

		return &AccessToken{
			state:              state,
			path:               state.path.String(),
			openedAs:           p.Requested,
			grantedSharingMode: state.sharingMode,
			GrantedOplockLevel: granted,
		}, nil, nil
	}

	// AttributesOnly: never a sharing violation, never consumes share bits,
	// never triggers a break (§4.4.4a).
	state.openCount++
	return &AccessToken{
		state:              state,
		path:               state.path.String(),
		openedAs:           AccessAttributesOnly,
		grantedSharingMode: state.sharingMode,
		GrantedOplockLevel: OplockNone,
	}, nil, nil
}

// accessFitsSharingMode reports whether requested fits within the
// already-granted sharingMode bit set.
func accessFitsSharingMode(requested RequestedAccess, mode SharingMode) bool {
	switch requested {
	case AccessRead:
		return mode&ShareRead != 0
	case AccessWrite:
		return mode&ShareWrite != 0
	case AccessReadWrite:
		return mode&ShareRead != 0 && mode&ShareWrite != 0
	default:
		return true
	}
}

// checkCreateDisposition maps createDisposition x existed to a pass/fail
// decision (§4.4 step 2); it does not itself open anything.
func checkCreateDisposition(disposition uint32, existed bool, path string) error {
	switch disposition {
	case FILE_OPEN:
		if !existed {
			return newCacheError(KindFileNotFound, path)
		}
	case FILE_CREATE:
		if existed {
			return newCacheError(KindFileExists, path)
		}
	case FILE_OVERWRITE:
		if !existed {
			return newCacheError(KindFileNotFound, path)
		}
	case FILE_OPEN_IF, FILE_OVERWRITE_IF, FILE_SUPERSEDE:
		// Both existing and non-existing are valid; no failure here.
	default:
		return newCacheError(KindAccessDenied, path)
	}
	return nil
}

// releaseAccess decrements openCount and, when it reaches zero, restores
// the state to its unopened invariants (§4.4 "Release"). Idempotent on an
// already-released token. Caller must hold state.mu.
func releaseAccess(state *FileState, token *AccessToken) int {
	if token.released {
		return state.openCount
	}
	token.released = true

	if state.openCount > 0 {
		state.openCount--
	}
	if state.openCount == 0 {
		state.sharingMode = ShareReadWriteDelete
		state.primaryOwner = OpenerIdentity{}
		state.oplock = nil
		state.locks = lockList{}
	}
	return state.openCount
}
