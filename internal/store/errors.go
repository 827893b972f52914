package store

import (
	"errors"
	"fmt"
)

// ErrorKind classifies storage failures.
type ErrorKind int

const (
	// KindNotFound means the requested row does not exist.
	KindNotFound ErrorKind = iota
	// KindConflict means a uniqueness or foreign-key constraint was violated.
	KindConflict
	// KindCorruption means the database file is unreadable.
	KindCorruption
)

// String returns a human-readable description of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// StorageError is the typed failure every Store operation returns for
// constraint and lookup problems.
type StorageError struct {
	Kind   ErrorKind
	Entity string
	Key    string
	Err    error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Entity, e.Key, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *StorageError) Unwrap() error { return e.Err }

// Is matches on kind so callers can test errors.Is(err, NotFound(...)).
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NotFound constructs a KindNotFound error.
func NotFound(entity, key string) *StorageError {
	return &StorageError{Kind: KindNotFound, Entity: entity, Key: key}
}

// Conflict constructs a KindConflict error.
func Conflict(entity, key string, err error) *StorageError {
	return &StorageError{Kind: KindConflict, Entity: entity, Key: key, Err: err}
}

// Corruption constructs a KindCorruption error.
func Corruption(err error) *StorageError {
	return &StorageError{Kind: KindCorruption, Entity: "database", Err: err}
}

// IsNotFound reports whether err is a KindNotFound storage error.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsConflict reports whether err is a KindConflict storage error.
func IsConflict(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindConflict
}
