package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/stillmerge-api/internal/storage"
)

// LeakRecorder remembers handles whose deletion failed so that
// housekeeping can retry them later.
type LeakRecorder interface {
	Record(h storage.Handle, jobID string, cause error) error
}

// handleSet holds the names of handles that belong to a live job or to an
// output still awaiting delivery. Housekeeping must not touch them.
type handleSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func newHandleSet() *handleSet {
	return &handleSet{names: make(map[string]struct{})}
}

func (s *handleSet) add(h storage.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[h.Name()] = struct{}{}
}

func (s *handleSet) remove(h storage.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, h.Name())
}

func (s *handleSet) contains(h storage.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[h.Name()]
	return ok
}

// scope owns every handle allocated for one job until it is either
// handed off or released.
type scope struct {
	mu      sync.Mutex
	owned   []storage.Handle
	inUse   *handleSet
	jobID   string
	store   storage.Store
	leaks   LeakRecorder
	timeout time.Duration
	logger  *slog.Logger
}

// track registers h for release. Call it right after Allocate, before
// anything is written under h.
func (s *scope) track(h storage.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned = append(s.owned, h)
	s.inUse.add(h)
}

// handOff removes h from the scope; the caller now owns it and h stays
// in use until the output is released.
func (s *scope) handOff(h storage.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.owned {
		if o == h {
			s.owned = append(s.owned[:i], s.owned[i+1:]...)
			return
		}
	}
}

// release deletes every handle still owned. It runs at most once per
// handle and ignores the caller's cancellation.
func (s *scope) release(ctx context.Context) {
	s.mu.Lock()
	owned := s.owned
	s.owned = nil
	s.mu.Unlock()

	if len(owned) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	for _, h := range owned {
		// A failed delete is retried from the leak ledger from here on.
		_ = deleteOrRecord(ctx, s.store, s.leaks, s.logger, h, s.jobID)
		s.inUse.remove(h)
	}
}

// deleteOrRecord deletes h and, on failure, logs and records the leak.
// The error is returned for callers that report it but never affects a
// job's outcome.
func deleteOrRecord(ctx context.Context, store storage.Store, leaks LeakRecorder, logger *slog.Logger, h storage.Handle, jobID string) error {
	err := store.Delete(ctx, h)
	if err == nil {
		return nil
	}

	logger.Error("failed to delete temporary asset",
		slog.String("job_id", jobID),
		slog.String("handle", h.Name()),
		slog.String("error", err.Error()),
	)
	if leaks != nil {
		if recErr := leaks.Record(h, jobID, err); recErr != nil {
			logger.Error("failed to record leaked asset",
				slog.String("job_id", jobID),
				slog.String("handle", h.Name()),
				slog.String("error", recErr.Error()),
			)
		}
	}
	return err
}
