package smbfs

import "testing"

func TestLockList_AddRejectsOverlapFromOtherOwner(t *testing.T) {
	var ll lockList
	owner1 := LockOwner{SessionID: 1, ProcessID: 100}
	owner2 := LockOwner{SessionID: 2, ProcessID: 200}

	if err := ll.add(ByteRangeLock{Owner: owner1, Offset: 0, Length: 10, Mode: LockModeRead}); err != nil {
		t.Fatalf("first add should succeed: %v", err)
	}
	if err := ll.add(ByteRangeLock{Owner: owner2, Offset: 5, Length: 10, Mode: LockModeRead}); err == nil {
		t.Error("expected conflict for overlapping range from a different owner")
	}
	if kind, ok := cacheErrorKind(ll.add(ByteRangeLock{Owner: owner2, Offset: 5, Length: 10, Mode: LockModeRead})); !ok || kind != KindLockConflict {
		t.Errorf("expected KindLockConflict, got %v (ok=%v)", kind, ok)
	}
}

func TestLockList_AddAllowsOverlapFromSameOwner(t *testing.T) {
	var ll lockList
	owner := LockOwner{SessionID: 1, ProcessID: 100}

	if err := ll.add(ByteRangeLock{Owner: owner, Offset: 0, Length: 10}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := ll.add(ByteRangeLock{Owner: owner, Offset: 5, Length: 10}); err != nil {
		t.Errorf("same-owner overlap should be allowed: %v", err)
	}
}

func TestLockList_RemoveRequiresExactMatch(t *testing.T) {
	var ll lockList
	owner := LockOwner{SessionID: 1}
	ll.add(ByteRangeLock{Owner: owner, Offset: 0, Length: 10})

	if err := ll.remove(owner, 0, 5); err == nil {
		t.Error("removing a non-matching range should fail")
	}
	if err := ll.remove(owner, 0, 10); err != nil {
		t.Errorf("removing the exact range should succeed: %v", err)
	}
	if !ll.isEmpty() {
		t.Error("list should be empty after removing its only lock")
	}
}

func TestLockList_RemoveAllByOwner(t *testing.T) {
	var ll lockList
	owner1 := LockOwner{SessionID: 1}
	owner2 := LockOwner{SessionID: 2}
	ll.add(ByteRangeLock{Owner: owner1, Offset: 0, Length: 10})
	ll.add(ByteRangeLock{Owner: owner1, Offset: 20, Length: 10})
	ll.add(ByteRangeLock{Owner: owner2, Offset: 40, Length: 10})

	removed := ll.removeAllByOwner(owner1)
	if removed != 2 {
		t.Errorf("removeAllByOwner = %d, want 2", removed)
	}
	snap := ll.snapshot()
	if len(snap) != 1 || snap[0].Owner != owner2 {
		t.Errorf("expected only owner2's lock to remain, got %+v", snap)
	}
}

func TestLockList_CanReadCanWrite(t *testing.T) {
	var ll lockList
	writer := LockOwner{SessionID: 1}
	reader := LockOwner{SessionID: 2}
	other := LockOwner{SessionID: 3}

	ll.add(ByteRangeLock{Owner: writer, Offset: 0, Length: 10, Mode: LockModeWrite})

	if ll.canRead(other, 0, 10) {
		t.Error("a write lock from another owner should forbid reads")
	}
	if ll.canWrite(other, 0, 10) {
		t.Error("a write lock from another owner should forbid writes")
	}
	if !ll.canRead(writer, 0, 10) {
		t.Error("the lock owner should always be able to read its own range")
	}

	var rl lockList
	rl.add(ByteRangeLock{Owner: reader, Offset: 100, Length: 10, Mode: LockModeRead})
	if !rl.canRead(other, 100, 10) {
		t.Error("a read lock should not forbid reads by others")
	}
	if rl.canWrite(other, 100, 10) {
		t.Error("a read lock should forbid writes by others")
	}
}
