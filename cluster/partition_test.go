package cluster

import "testing"

func TestPartitionStore_GrantAccessFirstOpener(t *testing.T) {
	s := NewPartitionStore()
	snap, failure, breakOwner, _ := s.GrantAccess("/a.txt", "node-a", 1, 2)
	if failure != "" {
		t.Fatalf("unexpected failure: %s", failure)
	}
	if breakOwner != "" {
		t.Errorf("breakOwner = %q, want none for a first opener", breakOwner)
	}
	if snap.OpenCount != 1 || snap.PrimaryOwner != "node-a" {
		t.Errorf("snap = %+v, want OpenCount=1 PrimaryOwner=node-a", snap)
	}
}

func TestPartitionStore_GrantAccessSharingViolation(t *testing.T) {
	s := NewPartitionStore()
	s.GrantAccess("/a.txt", "node-a", 1, 0) // sharingMode bit 1 only

	_, failure, _, _ := s.GrantAccess("/a.txt", "node-b", 2, 0) // requests bit 2, not granted
	if failure != "SharingViolation" {
		t.Errorf("failure = %q, want SharingViolation", failure)
	}
}

func TestPartitionStore_GrantAccessBreaksForeignOplock(t *testing.T) {
	s := NewPartitionStore()
	s.GrantAccess("/a.txt", "node-a", 7, 2) // node-a holds an exclusive oplock

	snap, failure, breakOwner, breakLevel := s.GrantAccess("/a.txt", "node-b", 1, 0)
	if failure != "" {
		t.Fatalf("unexpected failure: %s", failure)
	}
	if breakOwner != "node-a" || breakLevel != 2 {
		t.Errorf("breakOwner = %q level = %d, want node-a level 2", breakOwner, breakLevel)
	}
	if snap.OplockLevel != 0 {
		t.Errorf("snap = %+v, want the foreign oplock cleared", snap)
	}

	// A same-owner concurrent open never triggers a break.
	_, _, breakOwner, _ = s.GrantAccess("/a.txt", "node-b", 1, 0)
	if breakOwner != "" {
		t.Errorf("breakOwner = %q, want none for a same-owner open", breakOwner)
	}
}

func TestPartitionStore_ReleaseAccessResetsOnLastClose(t *testing.T) {
	s := NewPartitionStore()
	s.GrantAccess("/a.txt", "node-a", 7, 1)

	snap := s.ReleaseAccess("/a.txt")
	if snap.OpenCount != 0 || snap.PrimaryOwner != "" {
		t.Errorf("snap = %+v, want a fully reset state", snap)
	}
}

func TestPartitionStore_AddLockConflict(t *testing.T) {
	s := NewPartitionStore()
	if failure := s.AddLock("/a.txt", "node-a", 0, 10, true); failure != "" {
		t.Fatalf("first add should succeed, got %q", failure)
	}
	if failure := s.AddLock("/a.txt", "node-b", 5, 10, false); failure != "LockConflict" {
		t.Errorf("failure = %q, want LockConflict", failure)
	}
	if failure := s.AddLock("/a.txt", "node-a", 5, 10, false); failure != "" {
		t.Errorf("same-owner overlap should be allowed, got %q", failure)
	}
}

func TestPartitionStore_RemoveLockNotLocked(t *testing.T) {
	s := NewPartitionStore()
	if failure := s.RemoveLock("/a.txt", "node-a", 0, 10); failure != "NotLocked" {
		t.Errorf("failure = %q, want NotLocked", failure)
	}
	s.AddLock("/a.txt", "node-a", 0, 10, true)
	if failure := s.RemoveLock("/a.txt", "node-a", 0, 10); failure != "" {
		t.Errorf("removing the exact range should succeed, got %q", failure)
	}
}

func TestPartitionStore_ReconcileDeparture(t *testing.T) {
	s := NewPartitionStore()
	s.GrantAccess("/a.txt", "node-b", 7, 1)
	s.AddLock("/a.txt", "node-b", 0, 10, true)

	affected := s.ReconcileDeparture("node-b")
	if affected != 1 {
		t.Errorf("ReconcileDeparture = %d, want 1", affected)
	}
	snap, _ := s.Snapshot("/a.txt")
	if snap.PrimaryOwner != "" || snap.OpenCount != 0 {
		t.Errorf("snap after departure = %+v, want reset", snap)
	}
	// The lock held by the departed owner should have been dropped too,
	// so a fresh owner can now take out an overlapping lock.
	if failure := s.AddLock("/a.txt", "node-c", 0, 10, true); failure != "" {
		t.Errorf("expected the departed owner's lock to be gone, got failure %q", failure)
	}
}

func TestPartitionStore_MovePrefixMovesDescendants(t *testing.T) {
	s := NewPartitionStore()
	s.GrantAccess("/docs", "node-a", 1, 0)
	s.GrantAccess("/docs/report.txt", "node-a", 1, 0)
	s.GrantAccess("/download/other.txt", "node-a", 1, 0)

	moved := s.MovePrefix("/docs", "/archive/docs")
	if len(moved) != 2 {
		t.Errorf("MovePrefix moved %d entries, want 2 (dir + child)", len(moved))
	}
	if _, ok := s.Snapshot("/docs/report.txt"); ok {
		t.Error("old child path should no longer resolve")
	}
	if snap, ok := s.Snapshot("/archive/docs/report.txt"); !ok || snap.PrimaryOwner != "node-a" {
		t.Errorf("expected the child to have moved under the new prefix, got %+v ok=%v", snap, ok)
	}
	if _, ok := s.Snapshot("/download/other.txt"); !ok {
		t.Error("unrelated path should be untouched")
	}
}
