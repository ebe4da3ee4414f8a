package housekeeping

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/stillmerge-api/internal/storage"
)

// flakyStore fails deletes for names in stuck.
type flakyStore struct {
	*storage.LocalStorage

	mu    sync.Mutex
	stuck map[string]bool
}

func (s *flakyStore) Delete(ctx context.Context, h storage.Handle) error {
	s.mu.Lock()
	stuck := s.stuck[h.Name()]
	s.mu.Unlock()
	if stuck {
		return &storage.IOError{Op: storage.OpDelete, Handle: h, Err: errors.New("device busy")}
	}
	return s.LocalStorage.Delete(ctx, h)
}

func (s *flakyStore) unstick(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stuck, name)
}

type mockExpirer struct{ mock.Mock }

func (m *mockExpirer) ExpireOutputs(ctx context.Context, ttl time.Duration) (int, error) {
	args := m.Called(ctx, ttl)
	return args.Int(0), args.Error(1)
}

type mockPruner struct{ mock.Mock }

func (m *mockPruner) PruneCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*flakyStore, *storage.Ledger) {
	t.Helper()
	local, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "tmp"))
	require.NoError(t, err)
	ledger, err := storage.OpenLedger(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return &flakyStore{LocalStorage: local, stuck: map[string]bool{}}, ledger
}

func writeHandle(t *testing.T, s storage.Store, role, mimeType string) storage.Handle {
	t.Helper()
	h, err := s.Allocate(role, mimeType)
	require.NoError(t, err)
	_, err = s.Write(context.Background(), h, strings.NewReader("bytes"))
	require.NoError(t, err)
	return h
}

func TestSweep_RetriesLeaks(t *testing.T) {
	store, ledger := setup(t)
	ctx := context.Background()

	freed := writeHandle(t, store, "image", "image/png")
	stuck := writeHandle(t, store, "output", "video/mp4")
	store.stuck[stuck.Name()] = true

	require.NoError(t, ledger.Record(freed, "job-1", errors.New("busy")))
	require.NoError(t, ledger.Record(stuck, "job-2", errors.New("busy")))
	require.NoError(t, ledger.Record(storage.Handle{}, "", errors.New("garbage")))

	s := NewSweeper(store, 0, WithLedger(ledger), WithLogger(quietLogger()))

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Retried)
	assert.Equal(t, 1, report.Resolved)

	_, err = os.Stat(store.Path(freed))
	assert.True(t, os.IsNotExist(err))

	pending, err := ledger.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stuck.Name(), pending[0].Name)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "job-2", pending[0].JobID)

	store.unstick(stuck.Name())
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	pending, err = ledger.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweep_RunsEveryStep(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	old := writeHandle(t, store, "output", "video/mp4")
	past := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path(old), past, past))
	fresh := writeHandle(t, store, "output", "video/mp4")

	expirer := &mockExpirer{}
	expirer.On("ExpireOutputs", mock.Anything, time.Hour).Return(2, nil)

	pruner := &mockPruner{}
	pruner.On("PruneCompletedBefore", mock.Anything, mock.MatchedBy(func(cutoff time.Time) bool {
		return time.Since(cutoff) >= time.Hour && time.Since(cutoff) < time.Hour+time.Minute
	})).Return(0, errors.New("repository offline"))

	s := NewSweeper(store, time.Hour,
		WithOutputExpirer(expirer),
		WithOrphanSweeper(store.LocalStorage),
		WithJobPruner(pruner),
		WithLogger(quietLogger()),
	)

	report, err := s.Sweep(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository offline")

	assert.Equal(t, 2, report.ExpiredOutputs)
	assert.Equal(t, 1, report.SweptFiles)
	expirer.AssertExpectations(t)
	pruner.AssertExpectations(t)

	_, err = os.Stat(store.Path(old))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.Path(fresh))
	assert.NoError(t, err)
}

type ownerSet map[string]bool

func (o ownerSet) InUse(h storage.Handle) bool { return o[h.Name()] }

func TestSweeper_SkipsHandlesInUse(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	running := writeHandle(t, store, "image", "image/png")
	abandoned := writeHandle(t, store, "audio", "audio/mpeg")
	past := time.Now().Add(-2 * time.Hour)
	for _, h := range []storage.Handle{running, abandoned} {
		require.NoError(t, os.Chtimes(store.Path(h), past, past))
	}

	s := NewSweeper(store, time.Hour,
		WithOrphanSweeper(store.LocalStorage),
		WithHandleOwner(ownerSet{running.Name(): true}),
		WithLogger(quietLogger()),
	)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SweptFiles)
	assert.FileExists(t, store.Path(running))
	assert.NoFileExists(t, store.Path(abandoned))
}

func TestSweeper_StartStop(t *testing.T) {
	store, ledger := setup(t)

	h := writeHandle(t, store, "audio", "audio/mpeg")
	require.NoError(t, ledger.Record(h, "job-1", errors.New("busy")))

	s := NewSweeper(store, 0, WithLedger(ledger), WithSchedule("@every 1s"), WithLogger(quietLogger()))
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool {
		pending, err := ledger.Pending()
		return err == nil && len(pending) == 0
	}, 5*time.Second, 50*time.Millisecond)

	s.Stop()
	s.Stop() // stopping twice is harmless
}

func TestSweeper_Start_InvalidSchedule(t *testing.T) {
	store, _ := setup(t)
	s := NewSweeper(store, time.Hour, WithSchedule("every now and then"), WithLogger(quietLogger()))

	assert.Error(t, s.Start(context.Background()))
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 5m"))
	assert.NoError(t, ValidateSchedule("*/10 * * * *"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
}
