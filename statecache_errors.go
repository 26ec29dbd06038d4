package smbfs

import (
	"errors"
	"fmt"
)

// CacheErrorKind enumerates the error taxonomy from §7. These are kinds, not
// distinct sentinel values, so a dispatcher can switch on Kind() while
// errors.Is/errors.As composition still works through CacheError's Unwrap.
type CacheErrorKind int

const (
	_ CacheErrorKind = iota
	KindSharingViolation
	KindAccessDenied
	KindFileExists
	KindFileNotFound
	KindLockConflict
	KindNotLocked
	KindDeferFailed
	KindExistingOpLock
	KindRemoteTaskFailure
)

func (k CacheErrorKind) String() string {
	switch k {
	case KindSharingViolation:
		return "SharingViolation"
	case KindAccessDenied:
		return "AccessDenied"
	case KindFileExists:
		return "FileExists"
	case KindFileNotFound:
		return "FileNotFound"
	case KindLockConflict:
		return "LockConflict"
	case KindNotLocked:
		return "NotLocked"
	case KindDeferFailed:
		return "DeferFailed"
	case KindExistingOpLock:
		return "ExistingOpLock"
	case KindRemoteTaskFailure:
		return "RemoteTaskFailure"
	default:
		return "Unknown"
	}
}

// CacheError is the error type returned by every state-cache operation that
// can fail per §7. It carries the path the error applies to, mirroring
// errors.go's PathError.
type CacheError struct {
	Kind CacheErrorKind
	Path string
	Err  error // optional wrapped cause (e.g. a remote task transport error)
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

func newCacheError(kind CacheErrorKind, path string) error {
	return &CacheError{Kind: kind, Path: path}
}

func wrapCacheError(kind CacheErrorKind, path string, cause error) error {
	return &CacheError{Kind: kind, Path: path, Err: cause}
}

// cacheErrorKind extracts the Kind of err if it is (or wraps) a *CacheError.
func cacheErrorKind(err error) (CacheErrorKind, bool) {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// mapCacheErrorToNTStatus maps a CacheError's kind to a stable SMB status
// code, per §7 "each mapped by the dispatcher to a stable SMB status code".
func mapCacheErrorToNTStatus(err error) NTStatus {
	kind, ok := cacheErrorKind(err)
	if !ok {
		return STATUS_ACCESS_DENIED
	}
	switch kind {
	case KindSharingViolation:
		return STATUS_SHARING_VIOLATION
	case KindAccessDenied:
		return STATUS_ACCESS_DENIED
	case KindFileExists:
		return STATUS_OBJECT_NAME_COLLISION
	case KindFileNotFound:
		return STATUS_OBJECT_NAME_NOT_FOUND
	case KindLockConflict:
		return STATUS_LOCK_NOT_GRANTED
	case KindNotLocked:
		return STATUS_RANGE_NOT_LOCKED
	case KindDeferFailed:
		return STATUS_INSUFFICIENT_RESOURCES
	case KindExistingOpLock:
		return STATUS_INVALID_OPLOCK_PROTOCOL
	case KindRemoteTaskFailure:
		return STATUS_IO_TIMEOUT
	default:
		return STATUS_ACCESS_DENIED
	}
}
