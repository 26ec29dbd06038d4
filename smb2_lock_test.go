package smbfs

import (
	"os"
	"testing"

	"github.com/absfs/memfs"
)

// newLockTestFixture wires a server, a session bound to a tree, and an
// open handle against a real file, the minimum needed to exercise
// handleLock/handleOplockBreak's wire parsing against the state cache.
func newLockTestFixture(t *testing.T) (*SMBHandler, *Session, *TreeConnection, *OpenFile) {
	t.Helper()

	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	f, err := fs.Create("/a.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Close()

	srv, err := NewServer(ServerOptions{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.AddShare(fs, DefaultShareOptions("share")); err != nil {
		t.Fatalf("AddShare: %v", err)
	}
	share := srv.GetShare("share")

	session := srv.Sessions().CreateSession(SMB3_1_1, [16]byte{}, "127.0.0.1")
	session.State = SessionStateValid
	tree := session.AddTreeConnection("share", share, false)

	opened, err := fs.OpenFile("/a.txt", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	desiredAccess := GENERIC_READ | GENERIC_WRITE
	of := share.fileHandles.Allocate(opened, "/a.txt", false, desiredAccess, 0, FILE_OPEN, 0, tree.ID, session.ID)

	cacheState, err := share.stateCache.LookupOrCreate("/a.txt", StatusFileExists)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	cacheState.lock()
	token, deferred, grantErr := grantAccess(cacheState, AccessParams{
		Requested:          AccessReadWrite,
		CreateDisposition:  FILE_OPEN,
		ObservedStatus:     StatusFileExists,
		Identity:           OpenerIdentity{Node: share.stateCache.Config().NodeName, SessionID: session.ID},
		TreeID:             tree.ID,
		FileID:             of.ID,
		RequestedOplock:    OplockNone,
		MaxDeferredPerLock: share.stateCache.Config().MaxDeferredPerLock,
	})
	cacheState.unlock()
	if grantErr != nil {
		t.Fatalf("grantAccess: %v", grantErr)
	}
	if deferred != nil {
		t.Fatal("first opener should never defer")
	}
	of.AccessToken = token

	h := NewSMBHandler(srv)
	return h, session, tree, of
}

func lockHeader(session *Session, tree *TreeConnection) *SMB2Header {
	return &SMB2Header{
		StructureSize: SMB2HeaderSize,
		Command:       SMB2_LOCK,
		TreeID:        tree.ID,
		SessionID:     session.ID,
	}
}

func lockRequestPayload(fileID FileID, offset, length uint64, flags uint32) []byte {
	w := NewByteWriter(24 + 24)
	w.WriteUint16(48) // StructureSize
	w.WriteUint16(1)  // LockCount
	w.WriteUint32(0)  // LockSequence
	w.WriteFileID(fileID)
	w.WriteUint64(offset)
	w.WriteUint64(length)
	w.WriteUint32(flags)
	w.WriteUint32(0) // Reserved
	return w.Bytes()
}

func TestHandleLock_GrantsAndReleasesByteRange(t *testing.T) {
	h, session, tree, of := newLockTestFixture(t)

	msg := &SMB2Message{
		Header:  lockHeader(session, tree),
		Payload: lockRequestPayload(of.ID, 0, 10, SMB2_LOCKFLAG_EXCLUSIVE_LOCK),
	}
	_, status := h.handleLock(nil, msg)
	if status != STATUS_SUCCESS {
		t.Fatalf("lock: status = %v, want success", status)
	}

	cacheState, ok := tree.Share.stateCache.Lookup(of.Path)
	if !ok {
		t.Fatal("expected cache state to exist")
	}
	cacheState.lock()
	n := len(cacheState.locks.locks)
	cacheState.unlock()
	if n != 1 {
		t.Errorf("locks held = %d, want 1", n)
	}

	unlockMsg := &SMB2Message{
		Header:  lockHeader(session, tree),
		Payload: lockRequestPayload(of.ID, 0, 10, SMB2_LOCKFLAG_UNLOCK),
	}
	_, status = h.handleLock(nil, unlockMsg)
	if status != STATUS_SUCCESS {
		t.Fatalf("unlock: status = %v, want success", status)
	}

	cacheState.lock()
	n = len(cacheState.locks.locks)
	cacheState.unlock()
	if n != 0 {
		t.Errorf("locks held after unlock = %d, want 0", n)
	}
}

func TestHandleLock_ConflictingRangeDenied(t *testing.T) {
	h, session, tree, of := newLockTestFixture(t)

	first := &SMB2Message{
		Header:  lockHeader(session, tree),
		Payload: lockRequestPayload(of.ID, 0, 10, SMB2_LOCKFLAG_EXCLUSIVE_LOCK),
	}
	if _, status := h.handleLock(nil, first); status != STATUS_SUCCESS {
		t.Fatalf("first lock: status = %v", status)
	}

	secondOwnerHeader := lockHeader(session, tree)
	secondOwnerHeader.Reserved = 1 // distinct ProcessID -> distinct LockOwner
	secondOwnerMsg := &SMB2Message{
		Header:  secondOwnerHeader,
		Payload: lockRequestPayload(of.ID, 5, 10, SMB2_LOCKFLAG_EXCLUSIVE_LOCK),
	}
	_, status := h.handleLock(nil, secondOwnerMsg)
	if status == STATUS_SUCCESS {
		t.Fatal("overlapping exclusive lock should have been denied")
	}
}

func TestHandleLock_UnknownFileIDReturnsFileClosed(t *testing.T) {
	h, session, tree, _ := newLockTestFixture(t)

	msg := &SMB2Message{
		Header:  lockHeader(session, tree),
		Payload: lockRequestPayload(FileID{Persistent: 999, Volatile: 999}, 0, 1, SMB2_LOCKFLAG_EXCLUSIVE_LOCK),
	}
	_, status := h.handleLock(nil, msg)
	if status != STATUS_FILE_CLOSED {
		t.Errorf("status = %v, want STATUS_FILE_CLOSED", status)
	}
}

func TestHandleOplockBreak_Acknowledge(t *testing.T) {
	h, session, tree, of := newLockTestFixture(t)

	w := NewByteWriter(24)
	w.WriteUint16(24)
	w.WriteOneByte(OplockNone.wireLevel())
	w.WriteOneByte(0)
	w.WriteUint32(0)
	w.WriteFileID(of.ID)

	msg := &SMB2Message{
		Header:  lockHeader(session, tree),
		Payload: w.Bytes(),
	}
	msg.Header.Command = SMB2_OPLOCK_BREAK

	payload, status := h.handleOplockBreak(nil, msg)
	if status != STATUS_SUCCESS {
		t.Fatalf("status = %v, want success", status)
	}
	if len(payload) != 24 {
		t.Errorf("ack payload length = %d, want 24", len(payload))
	}
}
