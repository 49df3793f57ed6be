package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectStore provides the object-storage operations the ingestion core needs.
// Implementations are bound to a single bucket and are safe for concurrent use.
type ObjectStore interface {
	// List returns every object under prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Head returns metadata for the object at key
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Get returns the content of the object at key with its metadata
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)

	// Put writes data to key
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// ErrorKind is the closed set of failure classes reported by an ObjectStore
type ErrorKind int

const (
	Transient ErrorKind = iota
	NotFound
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "transient"
	}
}

// Error wraps a storage failure with its kind
type Error struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf returns the kind of a storage error. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Transient
}

// IsNotFound reports whether err is a storage NotFound error
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == NotFound
}
