package smbfs

import "strings"

// PathKey is the canonical, comparable cache key for a share-relative path.
// Two paths that name the same file normalize to an equal PathKey.
type PathKey struct {
	normalized string
}

// keyCaseSensitive and keyCaseInsensitive select the normalization policy
// used when deriving a PathKey from a raw path string.
const (
	keyCaseSensitive   = true
	keyCaseInsensitive = false
)

// newPathKey canonicalizes p into a PathKey using the given case-sensitivity
// policy. It rejects the empty path and embedded null bytes, matching §4.1's
// normalization contract on top of the existing pathNormalizer.
func newPathKey(p string, caseSensitive bool) (PathKey, error) {
	if p == "" {
		return PathKey{}, ErrInvalidPath
	}
	if strings.Contains(p, "\x00") {
		return PathKey{}, ErrInvalidPath
	}

	pn := newPathNormalizer(caseSensitive)
	normalized := pn.normalize(p)
	if normalized == "" {
		return PathKey{}, ErrInvalidPath
	}

	return PathKey{normalized: normalized}, nil
}

// String returns the normalized path string backing this key.
func (k PathKey) String() string {
	return k.normalized
}

// IsZero reports whether k is the zero value (never produced by newPathKey).
func (k PathKey) IsZero() bool {
	return k.normalized == ""
}

// hasPrefix reports whether k names a descendant of (or the path itself,
// joined with sep) the prefix key. Used by clustered directory-prefix rename.
func (k PathKey) hasPrefix(prefix PathKey) bool {
	p := prefix.normalized
	if p == "/" {
		return true
	}
	return strings.HasPrefix(k.normalized, p+"/") || k.normalized == p
}

// rebase rewrites k's prefix from oldPrefix to newPrefix, preserving the
// suffix after oldPrefix. Callers must have already verified hasPrefix.
func (k PathKey) rebase(oldPrefix, newPrefix PathKey) PathKey {
	if k.normalized == oldPrefix.normalized {
		return newPrefix
	}
	suffix := strings.TrimPrefix(k.normalized, oldPrefix.normalized)
	return PathKey{normalized: newPrefix.normalized + suffix}
}
