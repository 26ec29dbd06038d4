package smbfs

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeBreakSender records every break it is asked to send.
type fakeBreakSender struct {
	mu      sync.Mutex
	sent    []OplockOwner
	failing bool
}

func (f *fakeBreakSender) SendOplockBreak(owner OplockOwner, _ OplockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, owner)
	if f.failing {
		return errors.New("send failed")
	}
	return nil
}

func (f *fakeBreakSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestOplockBreakScheduler_TriggerBreakSendsAndTracks(t *testing.T) {
	cfg := DefaultStateCacheConfig()
	cfg.ExpiryInterval = time.Hour
	cache := NewLocalStateCache(cfg, &NullLogger{})
	defer cache.Stop()

	sender := &fakeBreakSender{}
	cache.scheduler.SetSender(sender)

	state, _ := cache.LookupOrCreate("/a.txt", StatusFileExists)
	owner := OplockOwner{SessionID: 1}
	state.lock()
	state.oplock = newOplockRecord(OplockExclusive, owner, 3)
	state.oplock.beginBreak(time.Now())
	key := state.path
	record := state.oplock
	state.unlock()

	cache.scheduler.TriggerBreak(key, record, OplockLevel2, time.Minute)

	if sender.count() != 1 {
		t.Errorf("expected exactly one break sent, got %d", sender.count())
	}
}

func TestOplockBreakScheduler_AcknowledgeResumesDeferred(t *testing.T) {
	cfg := DefaultStateCacheConfig()
	cfg.ExpiryInterval = time.Hour
	cache := NewLocalStateCache(cfg, &NullLogger{})
	defer cache.Stop()

	state, _ := cache.LookupOrCreate("/a.txt", StatusFileExists)
	state.lock()
	state.oplock = newOplockRecord(OplockExclusive, OplockOwner{SessionID: 1}, 3)
	state.oplock.beginBreak(time.Now())

	resumedWith := uint32(0)
	resumed := false
	state.oplock.deferred.append(&DeferredRequest{
		Resume: func(access uint32) { resumed = true; resumedWith = access },
		Fail:   func(NTStatus) { t.Error("should not fail on acknowledge") },
	})
	key := state.path
	state.unlock()

	cache.scheduler.TriggerBreak(key, state.oplock, OplockLevel2, time.Minute)
	cache.scheduler.Acknowledge(key, OplockLevel2, 7)

	if !resumed {
		t.Fatal("expected the deferred request to resume")
	}
	if resumedWith != 7 {
		t.Errorf("resumedWith = %d, want 7", resumedWith)
	}

	state.lock()
	if state.oplock.inProgress() {
		t.Error("oplock should no longer be in progress after acknowledge")
	}
	state.unlock()
}

func TestOplockBreakScheduler_SweepFailsTimedOutBreak(t *testing.T) {
	cfg := DefaultStateCacheConfig()
	cfg.ExpiryInterval = time.Hour
	cache := NewLocalStateCache(cfg, &NullLogger{})
	defer cache.Stop()

	state, _ := cache.LookupOrCreate("/a.txt", StatusFileExists)
	state.lock()
	state.oplock = newOplockRecord(OplockExclusive, OplockOwner{SessionID: 1}, 3)
	state.oplock.beginBreak(time.Now())

	var failedWith NTStatus
	failed := false
	state.oplock.deferred.append(&DeferredRequest{
		Resume: func(uint32) { t.Error("should not resume on timeout") },
		Fail:   func(s NTStatus) { failed = true; failedWith = s },
	})
	key := state.path
	record := state.oplock
	state.unlock()

	// Schedule with a deadline already in the past so the next sweep fires it.
	cache.scheduler.mu.Lock()
	cache.scheduler.pending[key] = &pendingBreak{
		key:      key,
		record:   record,
		deadline: time.Now().Add(-time.Second),
	}
	cache.scheduler.mu.Unlock()

	cache.scheduler.sweep()

	if !failed {
		t.Fatal("expected the deferred request to fail after timeout")
	}
	if failedWith != STATUS_ACCESS_DENIED {
		t.Errorf("failedWith = %v, want STATUS_ACCESS_DENIED", failedWith)
	}
}
