package smbfs

import "testing"

func newTestState(t *testing.T, path string) *FileState {
	t.Helper()
	key, err := newPathKey(path, false)
	if err != nil {
		t.Fatalf("newPathKey: %v", err)
	}
	return newFileState(key, StatusNotExist, 0)
}

func TestGrantAccess_FirstOpenerGrantsExclusiveOplock(t *testing.T) {
	state := newTestState(t, "/a.txt")

	token, deferred, err := grantAccess(state, AccessParams{
		Requested:         AccessReadWrite,
		ShareAccessMask:   0,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 1},
		RequestedOplock:   OplockExclusive,
	})
	if err != nil {
		t.Fatalf("grantAccess: %v", err)
	}
	if deferred != nil {
		t.Fatal("first opener should never defer")
	}
	if token.GrantedOplockLevel != OplockExclusive {
		t.Errorf("GrantedOplockLevel = %v, want Exclusive", token.GrantedOplockLevel)
	}
	if state.openCount != 1 {
		t.Errorf("openCount = %d, want 1", state.openCount)
	}
}

func TestGrantAccess_CreateDispositionRejectsMissingFile(t *testing.T) {
	state := newTestState(t, "/missing.txt")

	_, _, err := grantAccess(state, AccessParams{
		Requested:         AccessRead,
		CreateDisposition: FILE_OPEN,
		ObservedStatus:    StatusNotExist,
		Identity:          OpenerIdentity{SessionID: 1},
	})
	if err == nil {
		t.Fatal("FILE_OPEN against a missing file should fail")
	}
	if kind, ok := cacheErrorKind(err); !ok || kind != KindFileNotFound {
		t.Errorf("expected KindFileNotFound, got %v (ok=%v)", kind, ok)
	}
}

func TestGrantAccess_CreateDispositionRejectsExistingFile(t *testing.T) {
	state := newTestState(t, "/a.txt")

	_, _, err := grantAccess(state, AccessParams{
		Requested:         AccessRead,
		CreateDisposition: FILE_CREATE,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 1},
	})
	if err == nil {
		t.Fatal("FILE_CREATE against an existing file should fail")
	}
	if kind, ok := cacheErrorKind(err); !ok || kind != KindFileExists {
		t.Errorf("expected KindFileExists, got %v (ok=%v)", kind, ok)
	}
}

func TestGrantAccess_ConcurrentOpenerSharingViolation(t *testing.T) {
	state := newTestState(t, "/a.txt")

	_, _, err := grantAccess(state, AccessParams{
		Requested:         AccessReadWrite,
		ShareAccessMask:   FILE_SHARE_READ,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 1},
	})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	_, _, err = grantAccess(state, AccessParams{
		Requested:         AccessWrite,
		ShareAccessMask:   FILE_SHARE_READ,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 2},
	})
	if err == nil {
		t.Fatal("second write opener should collide with a read-only sharing mode")
	}
	if kind, ok := cacheErrorKind(err); !ok || kind != KindSharingViolation {
		t.Errorf("expected KindSharingViolation, got %v (ok=%v)", kind, ok)
	}
}

func TestGrantAccess_ConcurrentOpenerDefersOnLiveOplock(t *testing.T) {
	state := newTestState(t, "/a.txt")

	_, _, err := grantAccess(state, AccessParams{
		Requested:         AccessReadWrite,
		ShareAccessMask:   FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 1},
		RequestedOplock:   OplockExclusive,
		MaxDeferredPerLock: 3,
	})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	token, deferred, err := grantAccess(state, AccessParams{
		Requested:         AccessRead,
		ShareAccessMask:   FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 2},
	})
	if err != nil {
		t.Fatalf("second open should not error, got: %v", err)
	}
	if token != nil {
		t.Error("second open should be deferred, not granted directly")
	}
	if deferred == nil || deferred.Record != state.oplock {
		t.Error("expected a DeferredOutcome referencing the held oplock")
	}
	if !state.oplock.inProgress() {
		t.Error("the oplock should have transitioned to BreakInProgress")
	}
}

func TestGrantAccess_AttributesOnlyNeverCollides(t *testing.T) {
	state := newTestState(t, "/a.txt")

	_, _, err := grantAccess(state, AccessParams{
		Requested:         AccessReadWrite,
		ShareAccessMask:   0,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 1},
	})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	token, deferred, err := grantAccess(state, AccessParams{
		Requested:         AccessAttributesOnly,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 2},
	})
	if err != nil {
		t.Fatalf("attributes-only open should never fail: %v", err)
	}
	if deferred != nil {
		t.Error("attributes-only open should never defer")
	}
	if token.openedAs != AccessAttributesOnly {
		t.Errorf("openedAs = %v, want AttributesOnly", token.openedAs)
	}
}

func TestReleaseAccess_IdempotentAndResetsOnLastClose(t *testing.T) {
	state := newTestState(t, "/a.txt")

	token, _, err := grantAccess(state, AccessParams{
		Requested:         AccessReadWrite,
		ShareAccessMask:   FILE_SHARE_READ,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 1},
		RequestedOplock:   OplockExclusive,
	})
	if err != nil {
		t.Fatalf("grantAccess: %v", err)
	}

	if remaining := releaseAccess(state, token); remaining != 0 {
		t.Errorf("remaining openCount = %d, want 0", remaining)
	}
	if state.sharingMode != ShareReadWriteDelete {
		t.Error("sharingMode should reset to ShareReadWriteDelete on last close")
	}
	if state.oplock != nil {
		t.Error("oplock should be cleared on last close")
	}
	if !state.primaryOwner.isZero() {
		t.Error("primaryOwner should be cleared on last close")
	}

	// Idempotent: a second release of the same token is a no-op.
	if remaining := releaseAccess(state, token); remaining != 0 {
		t.Errorf("second release changed openCount to %d", remaining)
	}
}

func TestGrantAccess_ThreeOpenersJoinSameBreakCycle(t *testing.T) {
	state := newTestState(t, "/a.txt")

	_, _, err := grantAccess(state, AccessParams{
		Requested:          AccessReadWrite,
		ShareAccessMask:    FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE,
		CreateDisposition:  FILE_OPEN_IF,
		ObservedStatus:     StatusFileExists,
		Identity:           OpenerIdentity{SessionID: 1},
		RequestedOplock:    OplockExclusive,
		MaxDeferredPerLock: 3,
	})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	// The second conflicting opener triggers the break.
	_, second, err := grantAccess(state, AccessParams{
		Requested:         AccessRead,
		ShareAccessMask:   FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 2},
	})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if second == nil || !second.Triggered {
		t.Fatal("second opener should have triggered the break")
	}
	if !state.oplock.inProgress() {
		t.Fatal("oplock should be BreakInProgress after the second opener")
	}

	// A third and fourth conflicting opener must also be deferred against
	// the same break cycle, not fall through to an immediate grant.
	_, third, err := grantAccess(state, AccessParams{
		Requested:         AccessRead,
		ShareAccessMask:   FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 3},
	})
	if err != nil {
		t.Fatalf("third open: %v", err)
	}
	if third == nil {
		t.Fatal("third opener should also be deferred, not granted directly")
	}
	if third.Triggered {
		t.Error("third opener must not re-trigger the break; it already began")
	}
	if third.Record != state.oplock {
		t.Error("third opener's DeferredOutcome should reference the same oplock record")
	}

	_, fourth, err := grantAccess(state, AccessParams{
		Requested:         AccessRead,
		ShareAccessMask:   FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE,
		CreateDisposition: FILE_OPEN_IF,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{SessionID: 4},
	})
	if err != nil {
		t.Fatalf("fourth open: %v", err)
	}
	if fourth == nil || fourth.Triggered {
		t.Fatal("fourth opener should also join the same break cycle without re-triggering")
	}

	// Exactly one break transition occurred across all four opens.
	if state.oplock.Level != OplockExclusive {
		t.Errorf("oplock level changed unexpectedly: %v", state.oplock.Level)
	}
}

// Deferred-queue exhaustion through the real CREATE/arbiter pipeline
// (rather than a direct deferredQueue.append call) is covered by
// TestWaitForOplockBreak_DeferredQueueExhaustionThroughArbiter in
// smb2_file_test.go, since that boundary is only reachable by driving
// waitForOplockBreak, which lives in smb2_file.go.

func TestRequestedAccessFromMask(t *testing.T) {
	tests := []struct {
		name string
		mask uint32
		want RequestedAccess
	}{
		{"read only", FILE_READ_DATA, AccessRead},
		{"write only", FILE_WRITE_DATA, AccessWrite},
		{"read write", FILE_READ_DATA | FILE_WRITE_DATA, AccessReadWrite},
		{"attributes only", 0, AccessAttributesOnly},
		{"delete implies write", DELETE, AccessWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := requestedAccessFromMask(tt.mask); got != tt.want {
				t.Errorf("requestedAccessFromMask(%#x) = %v, want %v", tt.mask, got, tt.want)
			}
		})
	}
}
