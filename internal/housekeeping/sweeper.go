// Package housekeeping retries failed deletions and removes temporary
// assets that outlived their owners.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maauso/stillmerge-api/internal/storage"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "@every 5m"

// LeakLedger lists and resolves handles whose deletion failed.
type LeakLedger interface {
	Pending() ([]storage.LeakEntry, error)
	Record(h storage.Handle, jobID string, cause error) error
	Resolve(name string) error
}

// OrphanSweeper removes stored files older than an age, skipping handles
// for which inUse reports true.
type OrphanSweeper interface {
	SweepOlderThan(ctx context.Context, age time.Duration, inUse func(storage.Handle) bool) (int, error)
}

// HandleOwner reports whether a live job still needs a handle.
type HandleOwner interface {
	InUse(h storage.Handle) bool
}

// OutputExpirer releases delivered-never outputs older than a TTL.
type OutputExpirer interface {
	ExpireOutputs(ctx context.Context, ttl time.Duration) (int, error)
}

// JobPruner forgets terminal jobs completed before a cutoff.
type JobPruner interface {
	PruneCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Report summarises one sweep.
type Report struct {
	Retried        int
	Resolved       int
	ExpiredOutputs int
	SweptFiles     int
	PrunedJobs     int
}

// Sweeper runs housekeeping passes on a cron schedule.
type Sweeper struct {
	store     storage.Store
	ledger    LeakLedger
	orphans   OrphanSweeper
	outputs   OutputExpirer
	jobs      JobPruner
	owner     HandleOwner
	outputTTL time.Duration
	schedule  string
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLedger enables retrying recorded leaks.
func WithLedger(l LeakLedger) Option {
	return func(s *Sweeper) { s.ledger = l }
}

// WithOrphanSweeper enables removing stale handle-named files.
func WithOrphanSweeper(o OrphanSweeper) Option {
	return func(s *Sweeper) { s.orphans = o }
}

// WithHandleOwner protects handles of running jobs and undelivered outputs
// from the orphan sweep.
func WithHandleOwner(o HandleOwner) Option {
	return func(s *Sweeper) { s.owner = o }
}

// WithOutputExpirer enables releasing outputs nobody downloaded.
func WithOutputExpirer(e OutputExpirer) Option {
	return func(s *Sweeper) { s.outputs = e }
}

// WithJobPruner enables forgetting old terminal jobs.
func WithJobPruner(p JobPruner) Option {
	return func(s *Sweeper) { s.jobs = p }
}

// WithSchedule sets the cron spec used by Start.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSweeper creates a Sweeper. outputTTL is the age after which outputs
// and stray files are removed; it must exceed the longest merge.
func NewSweeper(store storage.Store, outputTTL time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		outputTTL: outputTTL,
		schedule:  DefaultSchedule,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one housekeeping pass. Each step runs even if an earlier
// one failed; the returned error joins every failure.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	if s.ledger != nil {
		retried, resolved, err := s.retryLeaks(ctx)
		report.Retried, report.Resolved = retried, resolved
		if err != nil {
			errs = append(errs, err)
		}
	}

	if s.outputs != nil && s.outputTTL > 0 {
		n, err := s.outputs.ExpireOutputs(ctx, s.outputTTL)
		report.ExpiredOutputs = n
		if err != nil {
			errs = append(errs, fmt.Errorf("expire outputs: %w", err))
		}
	}

	if s.orphans != nil && s.outputTTL > 0 {
		var inUse func(storage.Handle) bool
		if s.owner != nil {
			inUse = s.owner.InUse
		}
		n, err := s.orphans.SweepOlderThan(ctx, s.outputTTL, inUse)
		report.SweptFiles = n
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep stale files: %w", err))
		}
	}

	if s.jobs != nil && s.outputTTL > 0 {
		n, err := s.jobs.PruneCompletedBefore(ctx, time.Now().Add(-s.outputTTL))
		report.PrunedJobs = n
		if err != nil {
			errs = append(errs, fmt.Errorf("prune jobs: %w", err))
		}
	}

	err := errors.Join(errs...)
	attrs := []any{
		slog.Int("retried", report.Retried),
		slog.Int("resolved", report.Resolved),
		slog.Int("expired_outputs", report.ExpiredOutputs),
		slog.Int("swept_files", report.SweptFiles),
		slog.Int("pruned_jobs", report.PrunedJobs),
	}
	if err != nil {
		s.logger.Warn("housekeeping finished with errors", append(attrs, slog.String("error", err.Error()))...)
	} else {
		s.logger.Debug("housekeeping finished", attrs...)
	}
	return report, err
}

// retryLeaks deletes every recorded leak again and resolves the ones that
// are gone now.
func (s *Sweeper) retryLeaks(ctx context.Context) (retried, resolved int, err error) {
	pending, err := s.ledger.Pending()
	if err != nil {
		return 0, 0, fmt.Errorf("list leaks: %w", err)
	}

	var errs []error
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return retried, resolved, err
		}

		h, err := storage.ParseHandle(entry.Name)
		if err != nil {
			// Not something this store could have produced.
			if rerr := s.ledger.Resolve(entry.Name); rerr != nil {
				errs = append(errs, rerr)
			}
			continue
		}

		retried++
		if err := s.store.Delete(ctx, h); err != nil {
			if rerr := s.ledger.Record(h, entry.JobID, err); rerr != nil {
				errs = append(errs, rerr)
			}
			s.logger.Warn("leaked asset still not deletable",
				slog.String("handle", h.Name()),
				slog.String("job_id", entry.JobID),
				slog.Int("attempts", entry.Attempts+1),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := s.ledger.Resolve(entry.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		resolved++
	}
	return retried, resolved, errors.Join(errs...)
}

// Start schedules Sweep. Runs never overlap; a tick that fires while a
// sweep is still running is skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		_, _ = s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("housekeeping started", slog.String("schedule", s.schedule))
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("housekeeping stopped")
}

// ValidateSchedule reports whether spec is a schedule Start accepts.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}
