package smbfs

import (
	"testing"
	"time"
)

func testCache(t *testing.T) *LocalStateCache {
	t.Helper()
	cfg := DefaultStateCacheConfig()
	cfg.ExpiryInterval = time.Hour // keep the background reaper from racing assertions
	c := NewLocalStateCache(cfg, &NullLogger{})
	t.Cleanup(c.Stop)
	return c
}

func TestLocalStateCache_LookupOrCreate(t *testing.T) {
	c := testCache(t)

	state, err := c.LookupOrCreate("/a.txt", StatusFileExists)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	if state == nil {
		t.Fatal("expected a non-nil state")
	}

	again, err := c.LookupOrCreate("/a.txt", StatusFileExists)
	if err != nil {
		t.Fatalf("LookupOrCreate (second): %v", err)
	}
	if again != state {
		t.Error("second LookupOrCreate for the same path should return the same state")
	}
}

func TestLocalStateCache_LookupNeverCreates(t *testing.T) {
	c := testCache(t)

	if _, ok := c.Lookup("/absent.txt"); ok {
		t.Error("Lookup on an absent path should report false")
	}
}

func TestLocalStateCache_Remove(t *testing.T) {
	c := testCache(t)
	c.LookupOrCreate("/a.txt", StatusFileExists)

	state, ok := c.Remove("/a.txt")
	if !ok || state == nil {
		t.Fatal("Remove should succeed for a present path")
	}
	if _, ok := c.Lookup("/a.txt"); ok {
		t.Error("path should be gone after Remove")
	}
	if _, ok := c.Remove("/a.txt"); ok {
		t.Error("removing an already-removed path should report false")
	}
}

func TestLocalStateCache_ListenerNotifications(t *testing.T) {
	c := testCache(t)

	var created, closed []string
	c.AddListener(&recordingListener{
		onCreated: func(path string, _ *FileState) { created = append(created, path) },
		onClosed:  func(path string, _ *FileState) { closed = append(closed, path) },
	})

	c.LookupOrCreate("/a.txt", StatusFileExists)
	c.LookupOrCreate("/a.txt", StatusFileExists) // should not re-fire created
	c.Remove("/a.txt")

	if len(created) != 1 || created[0] != "/a.txt" {
		t.Errorf("created = %v, want exactly one notification for /a.txt", created)
	}
	if len(closed) != 1 || closed[0] != "/a.txt" {
		t.Errorf("closed = %v, want exactly one notification for /a.txt", closed)
	}
}

func TestLocalStateCache_RenameSimpleFile(t *testing.T) {
	c := testCache(t)
	state, _ := c.LookupOrCreate("/a.txt", StatusFileExists)
	state.attributes.set("x", NewTextAttribute("y"))

	if err := c.Rename("/a.txt", "/b.txt", false); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, ok := c.Lookup("/a.txt"); ok {
		t.Error("old path should no longer resolve")
	}
	moved, ok := c.Lookup("/b.txt")
	if !ok || moved != state {
		t.Fatal("new path should resolve to the same state object")
	}
	if moved.attributes.len() != 0 {
		t.Error("attribute bag should be cleared across a rename")
	}
}

func TestLocalStateCache_RenameDirectoryMovesDescendants(t *testing.T) {
	c := testCache(t)
	c.LookupOrCreate("/docs", StatusDirectoryExists)
	child, _ := c.LookupOrCreate("/docs/report.txt", StatusFileExists)
	nested, _ := c.LookupOrCreate("/docs/sub/note.txt", StatusFileExists)
	c.LookupOrCreate("/download/other.txt", StatusFileExists)

	if err := c.Rename("/docs", "/archive/docs", true); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, ok := c.Lookup("/docs/report.txt"); ok {
		t.Error("old child path should no longer resolve")
	}
	moved, ok := c.Lookup("/archive/docs/report.txt")
	if !ok || moved != child {
		t.Fatal("child should have moved under the new prefix")
	}

	movedNested, ok := c.Lookup("/archive/docs/sub/note.txt")
	if !ok || movedNested != nested {
		t.Fatal("deeply nested descendant should have moved too")
	}

	if _, ok := c.Lookup("/download/other.txt"); !ok {
		t.Error("unrelated path should be untouched by the rename")
	}
}

func TestLocalStateCache_RemoveExpired(t *testing.T) {
	cfg := DefaultStateCacheConfig()
	cfg.ExpiryInterval = time.Hour
	c := NewLocalStateCache(cfg, &NullLogger{})
	defer c.Stop()

	state, _ := c.LookupOrCreate("/a.txt", StatusFileExists)
	state.lock()
	state.expiryDeadline = time.Now().Add(-time.Second)
	state.unlock()

	c.LookupOrCreate("/b.txt", StatusFileExists) // fresh, should survive

	reaped := c.RemoveExpired()
	if reaped != 1 {
		t.Errorf("RemoveExpired() = %d, want 1", reaped)
	}
	if _, ok := c.Lookup("/a.txt"); ok {
		t.Error("expired path should have been reaped")
	}
	if _, ok := c.Lookup("/b.txt"); !ok {
		t.Error("fresh path should not have been reaped")
	}
}

func TestLocalStateCache_RemoveExpiredSkipsOpenFiles(t *testing.T) {
	c := testCache(t)
	state, _ := c.LookupOrCreate("/a.txt", StatusFileExists)
	state.lock()
	state.expiryDeadline = time.Now().Add(-time.Second)
	state.openCount = 1
	state.unlock()

	if reaped := c.RemoveExpired(); reaped != 0 {
		t.Errorf("RemoveExpired() = %d, want 0 for an open file", reaped)
	}
}

// recordingListener is a test double for StateCacheListener.
type recordingListener struct {
	onCreated func(string, *FileState)
	onExpired func(string, *FileState)
	onClosed  func(string, *FileState)
}

func (l *recordingListener) OnCreated(path string, s *FileState) {
	if l.onCreated != nil {
		l.onCreated(path, s)
	}
}

func (l *recordingListener) OnExpired(path string, s *FileState) {
	if l.onExpired != nil {
		l.onExpired(path, s)
	}
}

func (l *recordingListener) OnClosed(path string, s *FileState) {
	if l.onClosed != nil {
		l.onClosed(path, s)
	}
}

var _ StateCacheListener = (*recordingListener)(nil)
