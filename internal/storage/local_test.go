package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLocalStorage(t *testing.T) {
	t.Run("creates directory if not exists", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "store")

		s, err := NewLocalStorage(dir)
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		if s.Dir() != dir {
			t.Errorf("Dir() = %v, want %v", s.Dir(), dir)
		}

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected directory, got file")
		}
	})

	t.Run("uses default directory when empty", func(t *testing.T) {
		s, err := NewLocalStorage("")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		expected := filepath.Join(os.TempDir(), "stillmerge")
		if s.Dir() != expected {
			t.Errorf("Dir() = %v, want %v", s.Dir(), expected)
		}
	})

	t.Run("relative directory becomes absolute", func(t *testing.T) {
		t.Chdir(t.TempDir())

		s, err := NewLocalStorage("relative")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}
		if !filepath.IsAbs(s.Dir()) {
			t.Errorf("Dir() = %v, want absolute path", s.Dir())
		}
	})
}

func TestLocalStorage_Allocate(t *testing.T) {
	s := setupTestStorage(t, WithNameGenerator(&SequenceGenerator{}))

	tests := []struct {
		role     string
		mimeType string
		want     string
	}{
		{"image", "image/png", "image-00000000000000000000000001.png"},
		{"image", "image/jpeg", "image-00000000000000000000000002.jpg"},
		{"audio", "audio/mpeg", "audio-00000000000000000000000003.mp3"},
		{"output", "video/mp4", "output-00000000000000000000000004.mp4"},
		{"audio", "application/x-sh", "audio-00000000000000000000000005"},
	}

	for _, tt := range tests {
		h, err := s.Allocate(tt.role, tt.mimeType)
		if err != nil {
			t.Fatalf("Allocate(%q, %q) error = %v", tt.role, tt.mimeType, err)
		}
		if h.Name() != tt.want {
			t.Errorf("Allocate(%q, %q) = %q, want %q", tt.role, tt.mimeType, h.Name(), tt.want)
		}
		if h.Role() != tt.role {
			t.Errorf("Role() = %q, want %q", h.Role(), tt.role)
		}
	}

	t.Run("allocation does not touch disk", func(t *testing.T) {
		h, err := s.Allocate("image", "image/png")
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if _, err := os.Stat(s.Path(h)); !os.IsNotExist(err) {
			t.Errorf("expected no file for fresh handle, got %v", err)
		}
	})

	t.Run("rejects odd roles", func(t *testing.T) {
		for _, role := range []string{"", "../etc", "IMAGE", "a b"} {
			if _, err := s.Allocate(role, "image/png"); !errors.Is(err, ErrInvalidHandle) {
				t.Errorf("Allocate(%q) error = %v, want ErrInvalidHandle", role, err)
			}
		}
	})
}

func TestLocalStorage_WriteOpen(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	t.Run("writes and reads back", func(t *testing.T) {
		h, _ := s.Allocate("image", "image/png")

		n, err := s.Write(ctx, h, bytes.NewReader([]byte("png bytes")))
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if n != int64(len("png bytes")) {
			t.Errorf("Write() = %d bytes, want %d", n, len("png bytes"))
		}

		r, err := s.Open(ctx, h)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer func() { _ = r.Close() }()

		content, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if string(content) != "png bytes" {
			t.Errorf("got %q, want %q", string(content), "png bytes")
		}

		info, err := os.Stat(s.Path(h))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		h, _ := s.Allocate("audio", "audio/mpeg")
		if _, err := s.Write(ctx, h, strings.NewReader("first")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		_, err := s.Write(ctx, h, strings.NewReader("second"))
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("expected ErrWriteFailed, got %v", err)
		}
	})

	t.Run("failed copy leaves no file", func(t *testing.T) {
		h, _ := s.Allocate("audio", "audio/mpeg")

		_, err := s.Write(ctx, h, io.MultiReader(strings.NewReader("partial"), errReader{}))
		if !errors.Is(err, ErrWriteFailed) {
			t.Fatalf("expected ErrWriteFailed, got %v", err)
		}
		if _, statErr := os.Stat(s.Path(h)); !os.IsNotExist(statErr) {
			t.Errorf("partial file should be removed, stat err = %v", statErr)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		h, _ := s.Allocate("image", "image/png")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Write(ctx, h, strings.NewReader("data"))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("expected ErrWriteFailed, got %v", err)
		}
	})

	t.Run("open of missing handle is not found", func(t *testing.T) {
		h, _ := s.Allocate("output", "video/mp4")
		_, err := s.Open(ctx, h)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestLocalStorage_Delete(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	h, _ := s.Allocate("image", "image/png")
	if _, err := s.Write(ctx, h, strings.NewReader("data")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := s.Delete(ctx, h); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(s.Path(h)); !os.IsNotExist(err) {
		t.Errorf("file %s still exists", s.Path(h))
	}

	t.Run("is idempotent", func(t *testing.T) {
		if err := s.Delete(ctx, h); err != nil {
			t.Errorf("second Delete() error = %v", err)
		}
	})

	t.Run("ignores never written handles", func(t *testing.T) {
		fresh, _ := s.Allocate("audio", "audio/mpeg")
		if err := s.Delete(ctx, fresh); err != nil {
			t.Errorf("Delete() error = %v", err)
		}
	})

	t.Run("ignores zero handle", func(t *testing.T) {
		if err := s.Delete(ctx, Handle{}); err != nil {
			t.Errorf("Delete() error = %v", err)
		}
	})
}

func TestLocalStorage_SweepOlderThan(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	old, _ := s.Allocate("output", "video/mp4")
	fresh, _ := s.Allocate("output", "video/mp4")
	for _, h := range []Handle{old, fresh} {
		if _, err := s.Write(ctx, h, strings.NewReader("video")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(s.Path(old), past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	foreign := filepath.Join(s.Dir(), "keep-me.txt")
	if err := os.WriteFile(foreign, []byte("x"), 0600); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}
	if err := os.Chtimes(foreign, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := s.SweepOlderThan(ctx, time.Hour, nil)
	if err != nil {
		t.Fatalf("SweepOlderThan() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(s.Path(old)); !os.IsNotExist(err) {
		t.Error("old file should be swept")
	}
	if _, err := os.Stat(s.Path(fresh)); err != nil {
		t.Errorf("fresh file should survive: %v", err)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("foreign file should survive: %v", err)
	}
}

func TestLocalStorage_SweepOlderThan_SkipsInUse(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	busy, _ := s.Allocate("image", "image/png")
	idle, _ := s.Allocate("audio", "audio/mpeg")
	past := time.Now().Add(-2 * time.Hour)
	for _, h := range []Handle{busy, idle} {
		if _, err := s.Write(ctx, h, strings.NewReader("bytes")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if err := os.Chtimes(s.Path(h), past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed, err := s.SweepOlderThan(ctx, time.Hour, func(h Handle) bool { return h == busy })
	if err != nil {
		t.Fatalf("SweepOlderThan() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(s.Path(busy)); err != nil {
		t.Errorf("in-use file should survive: %v", err)
	}
	if _, err := os.Stat(s.Path(idle)); !os.IsNotExist(err) {
		t.Error("idle file should be swept")
	}
}

func setupTestStorage(t *testing.T, opts ...LocalOption) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(filepath.Join(t.TempDir(), "store"), opts...)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return s
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}
