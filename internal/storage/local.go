package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Compile-time check that LocalStorage implements Store.
var _ Store = (*LocalStorage)(nil)

// LocalStorage implements Store on a local directory.
// Every handle maps to one file directly under the directory.
type LocalStorage struct {
	dir string
	allocator
}

// LocalOption configures a LocalStorage.
type LocalOption func(*LocalStorage)

// WithNameGenerator replaces the default ULID name generator.
func WithNameGenerator(g NameGenerator) LocalOption {
	return func(s *LocalStorage) {
		s.names = g
	}
}

// NewLocalStorage creates a new LocalStorage instance.
// If dir is empty, a "stillmerge" directory under os.TempDir() is used.
// The directory is created if it doesn't exist and is kept as an absolute
// path so generated file paths can never be read as transcoder flags.
func NewLocalStorage(dir string, opts ...LocalOption) (*LocalStorage, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "stillmerge")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve temp directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}

	s := &LocalStorage{dir: abs, allocator: allocator{names: ULIDGenerator{}}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the storage directory.
func (s *LocalStorage) Dir() string {
	return s.dir
}

// Allocate implements Store. No file is created until Write.
func (s *LocalStorage) Allocate(role, mimeType string) (Handle, error) {
	return s.allocate(role, mimeType)
}

// Path implements Store.
func (s *LocalStorage) Path(h Handle) string {
	return filepath.Join(s.dir, h.Name())
}

// Write implements Store. The file is created exclusively; partial files
// are removed when the copy fails or the context is cancelled.
func (s *LocalStorage) Write(ctx context.Context, h Handle, data io.Reader) (int64, error) {
	if h.IsZero() {
		return 0, &IOError{Op: OpWrite, Handle: h, Err: ErrInvalidHandle}
	}
	if err := ctx.Err(); err != nil {
		return 0, &IOError{Op: OpWrite, Handle: h, Err: fmt.Errorf("context cancelled: %w", err)}
	}

	path := s.Path(h)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600) // #nosec G304 - path is built from a generated handle
	if err != nil {
		return 0, &IOError{Op: OpWrite, Handle: h, Err: fmt.Errorf("create file: %w", err)}
	}

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: data})
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return 0, &IOError{Op: OpWrite, Handle: h, Err: fmt.Errorf("write file: %w", err)}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return 0, &IOError{Op: OpWrite, Handle: h, Err: fmt.Errorf("close file: %w", err)}
	}

	return n, nil
}

// Open implements Store.
// The caller is responsible for closing the returned ReadCloser.
func (s *LocalStorage) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if h.IsZero() {
		return nil, ErrInvalidHandle
	}

	f, err := os.Open(s.Path(h)) // #nosec G304 - path is built from a generated handle
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Name())
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete implements Store. Missing files are ignored so repeated deletes
// of the same handle are harmless.
func (s *LocalStorage) Delete(_ context.Context, h Handle) error {
	if h.IsZero() {
		return nil
	}
	if err := os.Remove(s.Path(h)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: OpDelete, Handle: h, Err: err}
	}
	return nil
}

// SweepOlderThan removes stored files whose modification time is older than
// age. Only names that ParseHandle accepts are touched, and handles for
// which inUse reports true are skipped. A nil inUse skips nothing. It
// returns the number of files removed and the first removal error.
func (s *LocalStorage) SweepOlderThan(ctx context.Context, age time.Duration, inUse func(Handle) bool) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read temp directory: %w", err)
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	var firstErr error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("context cancelled: %w", err)
		}
		if !entry.Type().IsRegular() {
			continue
		}
		h, err := ParseHandle(entry.Name())
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if inUse != nil && inUse(h) {
			continue
		}
		if err := s.Delete(ctx, h); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
