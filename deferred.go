package smbfs

import "time"

// DeferredRequest is an inbound operation suspended while an oplock break
// is in progress (§3 DeferredRequest, §9 "buffer ownership"). The queue
// holds the sole reference to InboundMessage until Resume or Fail runs;
// LeaseDeadline is refreshed periodically by the scheduler so the
// connection's read loop doesn't reclaim it out from under the break.
type DeferredRequest struct {
	SessionID     uint64
	InboundMessage *SMB2Message
	LeaseDeadline time.Time

	// Resume is invoked with the access mask passed to Acknowledge once the
	// owning oplock acknowledges; Fail is invoked with an NTStatus if the
	// break times out. Stopping the scheduler does not drain the queue.
	// Exactly one of the two is ever called, exactly once.
	Resume func(grantedAccess uint32)
	Fail   func(status NTStatus)
}

// deferredQueue is a bounded FIFO of DeferredRequest, capacity N (default
// 3, §4.3 "bounded, default 3").
type deferredQueue struct {
	capacity int
	items    []*DeferredRequest
}

func newDeferredQueue(capacity int) *deferredQueue {
	if capacity <= 0 {
		capacity = 3
	}
	return &deferredQueue{capacity: capacity}
}

// append adds req to the tail of the queue. Fails with DeferFailed if the
// queue is already at capacity (§4.3 transition 1).
func (q *deferredQueue) append(req *DeferredRequest) error {
	if len(q.items) >= q.capacity {
		return newCacheError(KindDeferFailed, "")
	}
	q.items = append(q.items, req)
	return nil
}

// refreshLeases extends every queued request's LeaseDeadline, called
// periodically while a break is BreakInProgress (§4.3 "Lease maintenance").
func (q *deferredQueue) refreshLeases(now time.Time, window time.Duration) {
	for _, req := range q.items {
		req.LeaseDeadline = now.Add(window)
	}
}

// drainAll empties the queue and returns its contents in insertion order.
// Used by both the Broken (requeue) and BreakFailed (fail) transitions;
// the caller decides what to do with the returned slice.
func (q *deferredQueue) drainAll() []*DeferredRequest {
	items := q.items
	q.items = nil
	return items
}

func (q *deferredQueue) len() int {
	return len(q.items)
}
