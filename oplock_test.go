package smbfs

import (
	"testing"
	"time"
)

func TestOplockLevel_WireRoundTrip(t *testing.T) {
	tests := []struct {
		level OplockLevel
		wire  uint8
	}{
		{OplockNone, SMB2_OPLOCK_LEVEL_NONE},
		{OplockLevel2, SMB2_OPLOCK_LEVEL_II},
		{OplockExclusive, SMB2_OPLOCK_LEVEL_EXCLUSIVE},
		{OplockExclusiveBatch, SMB2_OPLOCK_LEVEL_BATCH},
	}
	for _, tt := range tests {
		if got := tt.level.wireLevel(); got != tt.wire {
			t.Errorf("%v.wireLevel() = %#x, want %#x", tt.level, got, tt.wire)
		}
		if got := oplockFromWireLevel(tt.wire); got != tt.level {
			t.Errorf("oplockFromWireLevel(%#x) = %v, want %v", tt.wire, got, tt.level)
		}
	}
}

func TestOplockRecord_BeginBreak(t *testing.T) {
	rec := newOplockRecord(OplockExclusive, OplockOwner{SessionID: 1}, 3)
	if !rec.isHeld() {
		t.Fatal("new record should start Held")
	}

	now := time.Now()
	if !rec.beginBreak(now) {
		t.Error("beginBreak should succeed from Held")
	}
	if rec.isHeld() {
		t.Error("record should no longer be Held after beginBreak")
	}
	if !rec.inProgress() {
		t.Error("record should report inProgress after beginBreak")
	}
	if rec.beginBreak(now) {
		t.Error("beginBreak should fail when already in progress")
	}
}

func TestOplockRecord_Acknowledge(t *testing.T) {
	rec := newOplockRecord(OplockExclusive, OplockOwner{SessionID: 1}, 3)
	rec.beginBreak(time.Now())

	resumed := false
	req := &DeferredRequest{
		Resume: func(uint32) { resumed = true },
		Fail:   func(NTStatus) { t.Error("Fail should not be called on acknowledge") },
	}
	if err := rec.deferred.append(req); err != nil {
		t.Fatalf("append: %v", err)
	}

	drained := rec.acknowledge(OplockLevel2)
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained request, got %d", len(drained))
	}
	drained[0].Resume(0)
	if !resumed {
		t.Error("resume callback should have run")
	}
	if rec.Level != OplockLevel2 {
		t.Errorf("Level = %v, want Level2", rec.Level)
	}
	if rec.inProgress() {
		t.Error("record should not be inProgress after acknowledge")
	}

	// A second acknowledge on an already-resolved record is a no-op.
	if drained := rec.acknowledge(OplockNone); drained != nil {
		t.Errorf("expected nil from a second acknowledge, got %v", drained)
	}
}

func TestOplockRecord_Timeout(t *testing.T) {
	rec := newOplockRecord(OplockExclusive, OplockOwner{SessionID: 1}, 3)
	rec.beginBreak(time.Now())

	var failedWith NTStatus
	req := &DeferredRequest{
		Resume: func(uint32) { t.Error("Resume should not be called on timeout") },
		Fail:   func(s NTStatus) { failedWith = s },
	}
	rec.deferred.append(req)

	drained := rec.timeout()
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained request, got %d", len(drained))
	}
	drained[0].Fail(STATUS_IO_TIMEOUT)
	if failedWith != STATUS_IO_TIMEOUT {
		t.Errorf("failedWith = %v, want STATUS_IO_TIMEOUT", failedWith)
	}
	if !rec.breakFailed {
		t.Error("breakFailed should be set after timeout")
	}
}

func TestOplockRecord_TimeoutNoOpWhenNotInProgress(t *testing.T) {
	rec := newOplockRecord(OplockExclusive, OplockOwner{SessionID: 1}, 3)
	if drained := rec.timeout(); drained != nil {
		t.Errorf("timeout on a Held record should be a no-op, got %v", drained)
	}
}
