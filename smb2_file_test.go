package smbfs

import (
	"os"
	"testing"
	"time"

	"github.com/absfs/memfs"
)

// newOplockBreakTestFixture wires a server with a short break timeout and a
// small MaxDeferredPerLock so the bounded deferred-queue boundary (§8, §9)
// can be driven through the real waitForOplockBreak path instead of by
// calling deferredQueue.append by hand.
func newOplockBreakTestFixture(t *testing.T, maxDeferred int) (*SMBHandler, *Share, *FileState, *OpenFile) {
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

	// Replace the default-configured cache with one whose break timeout is
	// short enough that openers left waiting past the end of the test don't
	// linger, and whose MaxDeferredPerLock is small enough to exhaust in a
	// handful of opens.
	share.stateCache = NewLocalStateCache(StateCacheConfig{
		CaseSensitive:      false,
		ExpiryInterval:     15 * time.Second,
		MaxDeferredPerLock: maxDeferred,
		OplockBreakTimeout: 50 * time.Millisecond,
		NodeName:           "local",
	}, srv.logger)
	share.stateCache.scheduler.logger = srv.logger
	share.stateCache.scheduler.SetSender(&connBreakSender{server: srv})

	opened, err := fs.OpenFile("/a.txt", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	session := srv.Sessions().CreateSession(SMB3_1_1, [16]byte{}, "127.0.0.1")
	session.State = SessionStateValid
	tree := session.AddTreeConnection("share", share, false)

	of := share.fileHandles.Allocate(opened, "/a.txt", false, GENERIC_READ|GENERIC_WRITE, 0, FILE_OPEN, 0, tree.ID, session.ID)

	cacheState, err := share.stateCache.LookupOrCreate("/a.txt", StatusFileExists)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	cacheState.lock()
	token, deferred, grantErr := grantAccess(cacheState, AccessParams{
		Requested:          AccessReadWrite,
		ShareAccessMask:    FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE,
		CreateDisposition:  FILE_OPEN,
		ObservedStatus:     StatusFileExists,
		Identity:           OpenerIdentity{Node: "local", SessionID: session.ID},
		TreeID:             tree.ID,
		FileID:             of.ID,
		RequestedOplock:    OplockExclusive,
		MaxDeferredPerLock: maxDeferred,
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
	return h, share, cacheState, of
}

// conflictingOpenParams builds AccessParams for a distinct session
// conflicting with the exclusive oplock held by the first opener.
func conflictingOpenParams(sessionID uint64) AccessParams {
	return AccessParams{
		Requested:         AccessRead,
		ShareAccessMask:   FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE,
		CreateDisposition: FILE_OPEN,
		ObservedStatus:    StatusFileExists,
		Identity:          OpenerIdentity{Node: "local", SessionID: sessionID},
	}
}

// TestWaitForOplockBreak_DeferredQueueExhaustionThroughArbiter exceeds
// MaxDeferredPerLock by driving real conflicting opens through grantAccess
// and waitForOplockBreak, the same pair the CREATE handler calls in
// handleCreate, rather than appending to the queue directly. The
// (MaxDeferred+1)-th conflicting opener must fail immediately with
// DeferFailed without ever blocking on the break outcome.
func TestWaitForOplockBreak_DeferredQueueExhaustionThroughArbiter(t *testing.T) {
	const maxDeferred = 2
	h, share, cacheState, _ := newOplockBreakTestFixture(t, maxDeferred)

	// Fill the deferred queue to capacity. Each of these opens collides
	// with the live oplock and is handed to waitForOplockBreak exactly as
	// handleCreate would; they're left to resolve (or time out) in the
	// background since only the boundary case below needs a synchronous
	// result.
	for i := 0; i < maxDeferred; i++ {
		sessionID := uint64(2 + i)
		cacheState.lock()
		_, deferred, err := grantAccess(cacheState, conflictingOpenParams(sessionID))
		cacheState.unlock()
		if err != nil {
			t.Fatalf("open %d: grantAccess: %v", i, err)
		}
		if deferred == nil {
			t.Fatalf("open %d should have deferred against the live oplock", i)
		}
		params := conflictingOpenParams(sessionID)
		go h.waitForOplockBreak(share, cacheState, params, deferred)
	}

	// Give the filler goroutines a chance to append before checking the
	// boundary; waitForOplockBreak appends synchronously before it ever
	// blocks, so a short yield is enough without needing to coordinate on
	// a channel only the scheduler would otherwise use.
	time.Sleep(10 * time.Millisecond)

	cacheState.lock()
	_, deferred, err := grantAccess(cacheState, conflictingOpenParams(99))
	cacheState.unlock()
	if err != nil {
		t.Fatalf("boundary open: grantAccess: %v", err)
	}
	if deferred == nil {
		t.Fatal("boundary opener should still be offered the deferred path by the arbiter")
	}

	_, status := h.waitForOplockBreak(share, cacheState, conflictingOpenParams(99), deferred)
	if status != STATUS_INSUFFICIENT_RESOURCES {
		t.Errorf("status = %v, want STATUS_INSUFFICIENT_RESOURCES (DeferFailed)", status)
	}
}

// TestGrantAccess_ThreeOpenersJoinSameBreakCycle (arbiter_test.go) covers the
// three-distinct-sessions contention case directly against grantAccess; this
// test confirms the same property holds one level up, through
// waitForOplockBreak, for the queue-exhaustion boundary specifically.
