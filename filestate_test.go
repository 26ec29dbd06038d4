package smbfs

import (
	"testing"
	"time"
)

func TestFileState_ReapableRules(t *testing.T) {
	key, _ := newPathKey("/a", false)
	state := newFileState(key, StatusFileExists, 10*time.Millisecond)

	if state.reapable(time.Now()) {
		t.Error("a freshly created state should not be reapable before its deadline")
	}

	future := time.Now().Add(time.Second)
	if !state.reapable(future) {
		t.Error("an unopened, past-deadline state should be reapable")
	}

	state.openCount = 1
	if state.reapable(future) {
		t.Error("an open state should never be reapable")
	}

	state.openCount = 0
	state.permanent = true
	if state.reapable(future) {
		t.Error("a permanent state should never be reapable")
	}
}

func TestFileState_Touch(t *testing.T) {
	key, _ := newPathKey("/a", false)
	state := newFileState(key, StatusFileExists, time.Millisecond)

	time.Sleep(2 * time.Millisecond)
	if !state.reapable(time.Now()) {
		t.Fatal("state should be reapable before touch")
	}
	state.touch(time.Minute)
	if state.reapable(time.Now()) {
		t.Error("state should not be reapable immediately after touch")
	}
}

func TestFileState_CheckInvariants(t *testing.T) {
	key, _ := newPathKey("/a", false)
	state := newFileState(key, StatusFileExists, time.Minute)

	if !state.checkInvariants() {
		t.Error("a freshly created unopened state should satisfy its invariants")
	}

	state.openCount = 1
	state.oplock = newOplockRecord(OplockExclusive, OplockOwner{SessionID: 1}, 3)
	if !state.checkInvariants() {
		t.Error("an open state holding an oplock should satisfy its invariants")
	}

	state.openCount = 0
	if state.checkInvariants() {
		t.Error("an unopened state holding an oplock should violate its invariants")
	}
}

func TestSharingModeFromShareAccess(t *testing.T) {
	got := sharingModeFromShareAccess(FILE_SHARE_READ | FILE_SHARE_DELETE)
	if got&ShareRead == 0 || got&ShareDelete == 0 || got&ShareWrite != 0 {
		t.Errorf("sharingModeFromShareAccess = %v, want Read|Delete only", got)
	}
}
