package smbfs

import (
	"testing"
	"time"
)

func TestDeferredQueue_AppendRespectsCapacity(t *testing.T) {
	q := newDeferredQueue(2)
	if err := q.append(&DeferredRequest{}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := q.append(&DeferredRequest{}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := q.append(&DeferredRequest{}); err == nil {
		t.Error("append beyond capacity should fail")
	}
	if q.len() != 2 {
		t.Errorf("len() = %d, want 2", q.len())
	}
}

func TestDeferredQueue_DefaultCapacity(t *testing.T) {
	q := newDeferredQueue(0)
	for i := 0; i < 3; i++ {
		if err := q.append(&DeferredRequest{}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := q.append(&DeferredRequest{}); err == nil {
		t.Error("default capacity should be 3")
	}
}

func TestDeferredQueue_RefreshLeases(t *testing.T) {
	q := newDeferredQueue(3)
	req := &DeferredRequest{}
	q.append(req)

	now := time.Now()
	q.refreshLeases(now, 30*time.Second)
	if !req.LeaseDeadline.Equal(now.Add(30 * time.Second)) {
		t.Errorf("LeaseDeadline = %v, want %v", req.LeaseDeadline, now.Add(30*time.Second))
	}
}

func TestDeferredQueue_DrainAllEmptiesQueue(t *testing.T) {
	q := newDeferredQueue(3)
	q.append(&DeferredRequest{SessionID: 1})
	q.append(&DeferredRequest{SessionID: 2})

	drained := q.drainAll()
	if len(drained) != 2 {
		t.Fatalf("drainAll() returned %d items, want 2", len(drained))
	}
	if drained[0].SessionID != 1 || drained[1].SessionID != 2 {
		t.Error("drainAll should preserve insertion order")
	}
	if q.len() != 0 {
		t.Errorf("queue should be empty after drainAll, len = %d", q.len())
	}
}
