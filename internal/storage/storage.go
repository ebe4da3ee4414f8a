// Package storage provides the temporary asset store used by merge jobs.
// It defines the Store interface (port) together with a local disk
// implementation, a durable ledger of failed deletions, and an optional S3
// publisher for delivering finished artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Static errors for storage operations.
var (
	// ErrNotFound is returned when a handle refers to no stored bytes.
	ErrNotFound = errors.New("storage: not found")
	// ErrWriteFailed marks failures while persisting bytes for a handle.
	ErrWriteFailed = errors.New("storage: write failed")
	// ErrDeleteFailed marks failures while removing bytes for a handle.
	ErrDeleteFailed = errors.New("storage: delete failed")
	// ErrInvalidHandle is returned for zero or malformed handles.
	ErrInvalidHandle = errors.New("storage: invalid handle")
)

// Store defines the temporary asset store.
// Handles are allocated without touching the backend; bytes exist only
// after Write succeeds. Delete is idempotent.
type Store interface {
	// Allocate returns a new handle unique for the lifetime of the process.
	// mimeType selects the file extension from a fixed allow-list.
	Allocate(role, mimeType string) (Handle, error)

	// Write persists data for the handle. It fails if the handle already
	// holds bytes.
	Write(ctx context.Context, h Handle, data io.Reader) (int64, error)

	// Open returns a reader for the handle's bytes. It returns ErrNotFound
	// when nothing is stored. The caller closes the reader.
	Open(ctx context.Context, h Handle) (io.ReadCloser, error)

	// Delete removes the handle's bytes. Deleting a missing handle is not an error.
	Delete(ctx context.Context, h Handle) error

	// Path returns the filesystem location handed to the transcoder.
	Path(h Handle) string
}

// Op names the storage operation that failed.
type Op string

const (
	OpWrite  Op = "write"
	OpDelete Op = "delete"
)

// IOError reports a storage failure for a specific handle.
type IOError struct {
	Op     Op
	Handle Handle
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Handle.Name(), e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrWriteFailed or ErrDeleteFailed by operation.
func (e *IOError) Is(target error) bool {
	switch target {
	case ErrWriteFailed:
		return e.Op == OpWrite
	case ErrDeleteFailed:
		return e.Op == OpDelete
	default:
		return false
	}
}
