// Package backend abstracts the object store a table lives in. Implementations
// provide flat-namespace reads, writes, listing, deletion and one atomic
// primitive: create-if-absent, which serialises commits across processes.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrDoesNotExist is returned when reading a path that is not present.
	ErrDoesNotExist = errors.New("object does not exist")
	// ErrAlreadyExists is returned by CreateIfNotExists when the path is taken.
	// The table writer treats it as a commit conflict.
	ErrAlreadyExists = errors.New("object already exists")
)

// ObjectAttrs describes one stored object.
type ObjectAttrs struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Reader reads objects under a bucket/prefix.
type Reader interface {
	// Read returns the full content at path.
	Read(ctx context.Context, path string) ([]byte, error)
	// List returns the paths of all objects with the given prefix, in
	// lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// ListWithAttributes is List plus size and modification time. The
	// vacuum uses modification times to protect recently staged files.
	ListWithAttributes(ctx context.Context, prefix string) ([]ObjectAttrs, error)
}

// Writer mutates objects under a bucket/prefix.
type Writer interface {
	// Write stores data at path, overwriting any existing object.
	Write(ctx context.Context, path string, data io.Reader, size int64) error
	// CreateIfNotExists atomically stores data at path only when no object
	// exists there, returning ErrAlreadyExists otherwise. Listing after a
	// successful create observes the object (read-after-write consistency).
	CreateIfNotExists(ctx context.Context, path string, data []byte) error
	// Delete removes the object at path. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, path string) error
}

// RawBackend is the full object-store surface the table engine needs.
type RawBackend interface {
	Reader
	Writer
}
