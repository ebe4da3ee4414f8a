package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_UniqueUnderConcurrency(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	const jobs = 100
	names := make(chan string, jobs*3)

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, spec := range [][2]string{{"image", "image/png"}, {"audio", "audio/mpeg"}, {"output", "video/mp4"}} {
				h, err := s.Allocate(spec[0], spec[1])
				if err != nil {
					t.Errorf("Allocate() error = %v", err)
					return
				}
				names <- h.Name()
			}
		}()
	}
	wg.Wait()
	close(names)

	seen := make(map[string]bool, jobs*3)
	for name := range names {
		assert.False(t, seen[name], "duplicate handle %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, jobs*3)
}

func TestULIDGenerator_Monotonic(t *testing.T) {
	var g ULIDGenerator
	prev := g.NewName()
	for i := 0; i < 1000; i++ {
		next := g.NewName()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestParseHandle(t *testing.T) {
	valid := []string{
		"image-01hzy3q8m6c1w7n2v9k4r5t6x0.png",
		"output-00000000000000000000000001.mp4",
		"audio-00000000000000000000000001",
	}
	for _, name := range valid {
		h, err := ParseHandle(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, h.Name())
	}

	invalid := []string{
		"",
		"../image-00000000000000000000000001.png",
		"image-00000000000000000000000001.png/../../etc/passwd",
		"image-0000000000000000000000001.png",
		"IMAGE-00000000000000000000000001.png",
		"image-00000000000000000000000001.png; rm -rf /",
		"image-00000000000000000000000001 .png",
		"-y",
	}
	for _, name := range invalid {
		_, err := ParseHandle(name)
		assert.True(t, errors.Is(err, ErrInvalidHandle), "expected %q to be rejected", name)
	}
}

func TestExtensionFor(t *testing.T) {
	ext, ok := ExtensionFor("IMAGE/JPEG")
	assert.True(t, ok)
	assert.Equal(t, ".jpg", ext)

	_, ok = ExtensionFor("text/html")
	assert.False(t, ok)
}

func TestIOError(t *testing.T) {
	h, err := ParseHandle("image-00000000000000000000000001.png")
	require.NoError(t, err)

	cause := errors.New("boom")
	werr := &IOError{Op: OpWrite, Handle: h, Err: cause}
	assert.ErrorIs(t, werr, ErrWriteFailed)
	assert.NotErrorIs(t, werr, ErrDeleteFailed)
	assert.ErrorIs(t, werr, cause)

	derr := &IOError{Op: OpDelete, Handle: h, Err: cause}
	assert.ErrorIs(t, derr, ErrDeleteFailed)
	assert.Contains(t, derr.Error(), "delete image-00000000000000000000000001.png")
}

func TestLedger(t *testing.T) {
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	a, _ := ParseHandle("output-00000000000000000000000001.mp4")
	b, _ := ParseHandle("image-00000000000000000000000002.png")

	require.NoError(t, l.Record(a, "job-1", errors.New("permission denied")))
	require.NoError(t, l.Record(b, "job-2", errors.New("busy")))
	require.NoError(t, l.Record(a, "", errors.New("still denied")))

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	byName := map[string]LeakEntry{}
	for _, e := range pending {
		byName[e.Name] = e
	}
	assert.Equal(t, 2, byName[a.Name()].Attempts)
	assert.Equal(t, "job-1", byName[a.Name()].JobID)
	assert.Equal(t, "still denied", byName[a.Name()].Error)
	assert.Equal(t, 1, byName[b.Name()].Attempts)

	require.NoError(t, l.Resolve(a.Name()))
	pending, err = l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.Name(), pending[0].Name)
}
