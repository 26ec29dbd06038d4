package smbfs

import "testing"

func TestNewPathKey_Normalizes(t *testing.T) {
	tests := []struct {
		name          string
		path          string
		caseSensitive bool
		want          string
	}{
		{"windows separators", `\docs\report.txt`, false, "/docs/report.txt"},
		{"case folded", "/Docs/Report.TXT", false, "/docs/report.txt"},
		{"case preserved", "/Docs/Report.TXT", true, "/Docs/Report.TXT"},
		{"duplicate slashes", "//a//b", false, "/a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := newPathKey(tt.path, tt.caseSensitive)
			if err != nil {
				t.Fatalf("newPathKey(%q) error: %v", tt.path, err)
			}
			if got := key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewPathKey_Rejects(t *testing.T) {
	if _, err := newPathKey("", false); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := newPathKey("/a\x00b", false); err == nil {
		t.Error("expected error for embedded null byte")
	}
}

func TestPathKey_IsZero(t *testing.T) {
	var zero PathKey
	if !zero.IsZero() {
		t.Error("zero value PathKey should report IsZero")
	}
	key, err := newPathKey("/a", false)
	if err != nil {
		t.Fatalf("newPathKey error: %v", err)
	}
	if key.IsZero() {
		t.Error("constructed key should not be zero")
	}
}

func TestPathKey_HasPrefix(t *testing.T) {
	root, _ := newPathKey("/docs", false)
	child, _ := newPathKey("/docs/report.txt", false)
	sibling, _ := newPathKey("/downloads/report.txt", false)
	prefixLike, _ := newPathKey("/docsolete", false)

	if !child.hasPrefix(root) {
		t.Error("child should have root as prefix")
	}
	if !root.hasPrefix(root) {
		t.Error("a key should have itself as prefix")
	}
	if sibling.hasPrefix(root) {
		t.Error("unrelated sibling should not match prefix")
	}
	if prefixLike.hasPrefix(root) {
		t.Error("string-prefix-but-not-path-prefix should not match")
	}
}

func TestPathKey_Rebase(t *testing.T) {
	oldRoot, _ := newPathKey("/docs", false)
	newRoot, _ := newPathKey("/archive/docs", false)
	child, _ := newPathKey("/docs/sub/report.txt", false)

	got := child.rebase(oldRoot, newRoot)
	want := "/archive/docs/sub/report.txt"
	if got.String() != want {
		t.Errorf("rebase() = %q, want %q", got.String(), want)
	}

	self := oldRoot.rebase(oldRoot, newRoot)
	if self.String() != newRoot.String() {
		t.Errorf("rebase() of the prefix itself = %q, want %q", self.String(), newRoot.String())
	}
}
