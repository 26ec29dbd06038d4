package smbfs

import (
	"context"
	"sync"
	"time"
)

// BreakSender delivers an SMB2_OPLOCK_BREAK request to the owning client.
// Implementations live alongside the session/connection layer; the
// scheduler never touches a net.Conn directly (§5 "never hold a state
// lock across I/O").
type BreakSender interface {
	SendOplockBreak(owner OplockOwner, toLevel OplockLevel) error
}

// pendingBreak tracks one outstanding break so the scheduler can time it
// out or refresh its deferred requests' leases without re-scanning the
// whole cache on every tick.
type pendingBreak struct {
	key      PathKey
	record   *OplockRecord
	deadline time.Time
}

// OplockBreakScheduler drives the Held -> BreakInProgress -> {Broken,
// BreakFailed} state machine's timing side (§4.3): sending the initial
// break, refreshing deferred-request leases while a break is
// outstanding, and failing it out after OplockBreakTimeout with no
// acknowledgement.
//
// Grounded on Server.sessionCleanupLoop's ticker + context cancellation
// idiom; this is the oplock-specific analogue of that loop.
type OplockBreakScheduler struct {
	cache  *LocalStateCache
	logger ServerLogger
	sender BreakSender

	mu      sync.Mutex
	pending map[PathKey]*pendingBreak

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickInterval time.Duration
}

// NewOplockBreakScheduler creates a scheduler bound to cache. SetSender
// must be called before any break is triggered; until then, breaks are
// recorded but no wire request is sent (useful for tests that drive the
// state machine without a live connection).
func NewOplockBreakScheduler(cache *LocalStateCache, logger ServerLogger) *OplockBreakScheduler {
	if logger == nil {
		logger = &NullLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &OplockBreakScheduler{
		cache:        cache,
		logger:       logger,
		pending:      make(map[PathKey]*pendingBreak),
		ctx:          ctx,
		cancel:       cancel,
		tickInterval: 5 * time.Second,
	}
	s.wg.Add(1)
	go s.tickLoop()
	return s
}

// SetSender wires the transport used to deliver break requests.
func (s *OplockBreakScheduler) SetSender(sender BreakSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// Stop halts the scheduler's background loop.
func (s *OplockBreakScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// TriggerBreak sends (or records, if no sender is wired) a break request
// for the oplock already transitioned to BreakInProgress by grantAccess,
// and schedules its timeout. Caller must not hold the FileState's lock.
func (s *OplockBreakScheduler) TriggerBreak(key PathKey, record *OplockRecord, toLevel OplockLevel, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 35 * time.Second
	}

	s.mu.Lock()
	s.pending[key] = &pendingBreak{
		key:      key,
		record:   record,
		deadline: time.Now().Add(timeout),
	}
	sender := s.sender
	s.mu.Unlock()

	if sender != nil {
		if err := sender.SendOplockBreak(record.Owner, toLevel); err != nil {
			s.logger.Warn("oplock break send failed for %s: %v", key.String(), err)
		} else {
			// The timeout runs from the moment the break was written.
			s.mu.Lock()
			if pb, ok := s.pending[key]; ok && pb.record == record {
				pb.deadline = time.Now().Add(timeout)
			}
			s.mu.Unlock()
		}
	}
}

// Acknowledge completes a pending break early (the owner responded
// before the timeout), resuming its deferred requests with the newly
// granted access. Removes the path from pending tracking.
func (s *OplockBreakScheduler) Acknowledge(key PathKey, newLevel OplockLevel, grantedAccess uint32) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	state, ok := s.cache.Lookup(key.String())
	if !ok {
		return
	}

	state.lock()
	var deferred []*DeferredRequest
	if state.oplock != nil {
		deferred = state.oplock.acknowledge(newLevel)
	}
	state.unlock()

	for _, req := range deferred {
		req.Resume(grantedAccess)
	}
}

// tickLoop periodically refreshes outstanding deferred-request leases
// and fails any break that has exceeded its deadline (§4.3 transition 3).
func (s *OplockBreakScheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *OplockBreakScheduler) sweep() {
	now := time.Now()

	s.mu.Lock()
	var timedOut []*pendingBreak
	for key, pb := range s.pending {
		if now.After(pb.deadline) {
			timedOut = append(timedOut, pb)
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()

	for _, pb := range timedOut {
		s.failBreak(pb)
	}

	// Lease refresh for breaks still in flight runs against the live
	// FileState rather than the pendingBreak snapshot, since the deferred
	// queue lives on the OplockRecord.
	s.mu.Lock()
	inFlight := make([]PathKey, 0, len(s.pending))
	for key := range s.pending {
		inFlight = append(inFlight, key)
	}
	s.mu.Unlock()

	for _, key := range inFlight {
		state, ok := s.cache.Lookup(key.String())
		if !ok {
			continue
		}
		state.lock()
		if state.oplock != nil && state.oplock.inProgress() {
			state.oplock.deferred.refreshLeases(now, s.tickInterval*3)
		}
		state.unlock()
	}
}

// failBreak transitions a timed-out break to BreakFailed and fails every
// request that had been deferred waiting on it (§4.3 transition 3).
func (s *OplockBreakScheduler) failBreak(pb *pendingBreak) {
	state, ok := s.cache.Lookup(pb.key.String())
	if !ok {
		return
	}

	state.lock()
	var deferred []*DeferredRequest
	if state.oplock != nil {
		deferred = state.oplock.timeout()
	}
	state.unlock()

	s.logger.Warn("oplock break timed out for %s", pb.key.String())

	for _, req := range deferred {
		req.Fail(STATUS_ACCESS_DENIED)
	}
}
