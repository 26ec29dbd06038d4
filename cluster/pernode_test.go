package cluster

import "testing"

func TestPerNodeMap_GetOrCreate(t *testing.T) {
	m := NewPerNodeMap()
	r1 := m.GetOrCreate("/a.txt")
	r1.FileID = 42
	r1.HaveFileID = true

	r2 := m.GetOrCreate("/a.txt")
	if r2 != r1 {
		t.Fatal("GetOrCreate should return the same record on a second call")
	}
	if r2.FileID != 42 {
		t.Errorf("FileID = %d, want 42", r2.FileID)
	}
}

func TestPerNodeMap_Delete(t *testing.T) {
	m := NewPerNodeMap()
	m.GetOrCreate("/a.txt")
	m.Delete("/a.txt")

	if _, ok := m.Get("/a.txt"); ok {
		t.Error("expected the record to be gone after Delete")
	}
}

func TestPerNodeMap_Rename(t *testing.T) {
	m := NewPerNodeMap()
	r := m.GetOrCreate("/a.txt")
	r.FileID = 7
	m.Rename("/a.txt", "/b.txt")

	if _, ok := m.Get("/a.txt"); ok {
		t.Error("old path should be gone after rename")
	}
	moved, ok := m.Get("/b.txt")
	if !ok || moved.FileID != 7 {
		t.Errorf("expected the renamed record to carry over, got %+v ok=%v", moved, ok)
	}
}

func TestPerNodeMap_RemoveOwnedBy(t *testing.T) {
	m := NewPerNodeMap()
	r1 := m.GetOrCreate("/a.txt")
	r1.Oplock = &LocalOplockHandle{SessionID: 1}
	r2 := m.GetOrCreate("/b.txt")
	r2.Oplock = &LocalOplockHandle{SessionID: 2}

	cleared := m.RemoveOwnedBy(1)
	if cleared != 1 {
		t.Errorf("RemoveOwnedBy = %d, want 1", cleared)
	}
	if r1.Oplock != nil {
		t.Error("session 1's oplock handle should be cleared")
	}
	if r2.Oplock == nil {
		t.Error("session 2's oplock handle should be untouched")
	}
}

func TestPerNodeMap_Paths(t *testing.T) {
	m := NewPerNodeMap()
	m.GetOrCreate("/a.txt")
	m.GetOrCreate("/b.txt")

	paths := m.Paths()
	if len(paths) != 2 {
		t.Errorf("Paths() returned %d entries, want 2", len(paths))
	}
}
