package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/stillmerge-api/internal/asset"
	"github.com/maauso/stillmerge-api/internal/executor"
	"github.com/maauso/stillmerge-api/internal/media"
	"github.com/maauso/stillmerge-api/internal/storage"
)

const (
	defaultMergeTimeout   = 5 * time.Minute
	defaultCleanupTimeout = 30 * time.Second
)

var (
	// ErrOutputUnavailable is returned when a job has no deliverable output.
	ErrOutputUnavailable = errors.New("job: output not available")

	// ErrOutputReleased is returned when a job's output was already deleted.
	ErrOutputReleased = errors.New("job: output already released")
)

// Runner executes an argument vector under a time budget.
type Runner interface {
	Execute(ctx context.Context, args []string, timeout time.Duration) (executor.ExitInfo, error)
}

// Prober reports the duration of a media file.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// MergeConfig holds per-request options. Zero fields fall back to the
// coordinator defaults.
type MergeConfig struct {
	media.MergeOptions
	// Timeout bounds the merge process run, excluding queue time.
	Timeout time.Duration
}

// Result describes a successful merge. The caller owns Output and must
// release it once delivered.
type Result struct {
	JobID           string
	Output          storage.Handle
	DurationSeconds float64
}

// Coordinator drives a merge job through validation, storage and
// execution, and guarantees every temporary asset is released.
type Coordinator struct {
	repo           Repository
	store          storage.Store
	runner         Runner
	prober         Prober
	leaks          LeakRecorder
	constraint     asset.Constraint
	defaults       MergeConfig
	cleanupTimeout time.Duration
	logger         *slog.Logger
	inUse          *handleSet
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithProber sets the collaborator used to measure output duration.
func WithProber(p Prober) Option {
	return func(c *Coordinator) { c.prober = p }
}

// WithLeakRecorder sets where failed deletions are recorded.
func WithLeakRecorder(l LeakRecorder) Option {
	return func(c *Coordinator) { c.leaks = l }
}

// WithConstraint overrides the default asset constraint.
func WithConstraint(ac asset.Constraint) Option {
	return func(c *Coordinator) { c.constraint = ac }
}

// WithDefaults sets the options applied when a request leaves them unset.
func WithDefaults(d MergeConfig) Option {
	return func(c *Coordinator) { c.defaults = d }
}

// WithCleanupTimeout bounds how long releasing a job's assets may take.
func WithCleanupTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cleanupTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(repo Repository, store storage.Store, runner Runner, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:       repo,
		store:      store,
		runner:     runner,
		constraint: asset.DefaultConstraint(),
		defaults: MergeConfig{
			MergeOptions: media.DefaultMergeOptions(),
			Timeout:      defaultMergeTimeout,
		},
		cleanupTimeout: defaultCleanupTimeout,
		logger:         slog.Default(),
		inUse:          newHandleSet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Merge runs one merge job to completion. On failure it returns a
// *MergeError and nothing the job allocated survives.
func (c *Coordinator) Merge(ctx context.Context, image, audio *asset.Part, cfg MergeConfig) (*Result, error) {
	j := New()
	c.save(ctx, j)

	log := c.logger.With(slog.String("job_id", j.ID))
	log.Info("merge received")

	opts := cfg.MergeOptions.WithDefaults(c.defaults.MergeOptions)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = c.defaults.Timeout
	}

	validated, err := asset.Validate(image, audio, c.constraint)
	if err == nil {
		err = opts.Validate()
	}
	if err != nil {
		return nil, c.fail(ctx, j, err)
	}
	if err := j.TransitionTo(StatusValidated); err != nil {
		return nil, c.fail(ctx, j, err)
	}
	c.save(ctx, j)

	sc := &scope{
		inUse:   c.inUse,
		jobID:   j.ID,
		store:   c.store,
		leaks:   c.leaks,
		timeout: c.cleanupTimeout,
		logger:  log,
	}
	defer sc.release(ctx)

	if err := j.TransitionTo(StatusStoring); err != nil {
		return nil, c.fail(ctx, j, err)
	}
	c.save(ctx, j)

	imageHandle, audioHandle, err := c.storeInputs(ctx, sc, validated)
	if err != nil {
		return nil, c.fail(ctx, j, err)
	}
	j.SetInputs(imageHandle.Name(), audioHandle.Name())

	output, err := c.store.Allocate("output", "video/mp4")
	if err != nil {
		return nil, c.fail(ctx, j, err)
	}
	sc.track(output)

	args, err := media.BuildInvocation(c.store.Path(imageHandle), c.store.Path(audioHandle), c.store.Path(output), opts)
	if err != nil {
		return nil, c.fail(ctx, j, err)
	}

	if err := j.TransitionTo(StatusRunning); err != nil {
		return nil, c.fail(ctx, j, err)
	}
	c.save(ctx, j)

	info, err := c.runner.Execute(ctx, args, timeout)
	if err != nil {
		return nil, c.fail(ctx, j, err)
	}

	duration := c.probe(ctx, log, output)

	if err := j.Succeed(output.Name(), duration); err != nil {
		return nil, c.fail(ctx, j, err)
	}
	sc.handOff(output)
	c.save(ctx, j)

	log.Info("merge succeeded",
		slog.String("output", output.Name()),
		slog.Float64("duration_seconds", duration),
		slog.Duration("queued_for", info.QueuedFor),
		slog.Duration("ran_for", info.Duration),
	)

	return &Result{JobID: j.ID, Output: output, DurationSeconds: duration}, nil
}

// storeInputs allocates and writes both inputs concurrently.
func (c *Coordinator) storeInputs(ctx context.Context, sc *scope, v asset.Validated) (image, audio storage.Handle, err error) {
	image, err = c.store.Allocate(string(asset.RoleImage), v.Image.MIMEType)
	if err != nil {
		return image, audio, err
	}
	sc.track(image)

	audio, err = c.store.Allocate(string(asset.RoleAudio), v.Audio.MIMEType)
	if err != nil {
		return image, audio, err
	}
	sc.track(audio)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.store.Write(gctx, image, asset.LimitBody(v.Image))
		return err
	})
	g.Go(func() error {
		_, err := c.store.Write(gctx, audio, asset.LimitBody(v.Audio))
		return err
	})
	return image, audio, g.Wait()
}

func (c *Coordinator) probe(ctx context.Context, log *slog.Logger, output storage.Handle) float64 {
	if c.prober == nil {
		return 0
	}
	d, err := c.prober.Duration(ctx, c.store.Path(output))
	if err != nil {
		log.Warn("failed to probe output duration",
			slog.String("output", output.Name()),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return d
}

// fail moves j to FAILED and returns the classified error.
func (c *Coordinator) fail(ctx context.Context, j *Job, err error) *MergeError {
	me := classify(j.ID, err)
	if ferr := j.Fail(me.Kind, me.Message); ferr != nil {
		c.logger.Error("failed to mark job as failed",
			slog.String("job_id", j.ID),
			slog.String("error", ferr.Error()),
		)
	}
	c.save(ctx, j)

	level := slog.LevelError
	if me.IsClientError() {
		level = slog.LevelInfo
	}
	c.logger.Log(ctx, level, "merge failed",
		slog.String("job_id", j.ID),
		slog.String("kind", string(me.Kind)),
		slog.String("error", err.Error()),
	)
	return me
}

func (c *Coordinator) save(ctx context.Context, j *Job) {
	if err := c.repo.Save(context.WithoutCancel(ctx), j); err != nil {
		c.logger.Error("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

// GetJob retrieves a job by ID.
func (c *Coordinator) GetJob(ctx context.Context, id string) (*Job, error) {
	return c.repo.FindByID(ctx, id)
}

// InUse reports whether h belongs to a job that has not finished or to an
// output that has not been released yet.
func (c *Coordinator) InUse(h storage.Handle) bool {
	return c.inUse.contains(h)
}

// ReleaseOutput deletes a delivered output. Releasing twice is not an error.
func (c *Coordinator) ReleaseOutput(ctx context.Context, h storage.Handle) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cleanupTimeout)
	defer cancel()
	if err := deleteOrRecord(ctx, c.store, c.leaks, c.logger, h, ""); err != nil {
		return err
	}
	c.inUse.remove(h)
	return nil
}

// ReleaseJobOutput deletes the output of a succeeded job and marks it
// released. Releasing twice is not an error.
func (c *Coordinator) ReleaseJobOutput(ctx context.Context, jobID string) error {
	j, err := c.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.GetStatus() != StatusSucceeded {
		return ErrOutputUnavailable
	}
	if j.OutputReleased {
		return nil
	}

	h, err := storage.ParseHandle(j.OutputHandle)
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cleanupTimeout)
	defer cancel()
	if err := deleteOrRecord(ctx, c.store, c.leaks, c.logger, h, jobID); err != nil {
		return err
	}
	c.inUse.remove(h)

	j.MarkOutputReleased()
	c.save(ctx, j)
	c.logger.Info("output released", slog.String("job_id", jobID), slog.String("output", h.Name()))
	return nil
}

// OpenOutput returns a reader for a succeeded job's output.
func (c *Coordinator) OpenOutput(ctx context.Context, jobID string) (io.ReadCloser, *Job, error) {
	j, err := c.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if j.GetStatus() != StatusSucceeded {
		return nil, j, ErrOutputUnavailable
	}
	if j.OutputReleased {
		return nil, j, ErrOutputReleased
	}

	h, err := storage.ParseHandle(j.OutputHandle)
	if err != nil {
		return nil, j, fmt.Errorf("job %s: %w", jobID, err)
	}

	r, err := c.store.Open(ctx, h)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, j, ErrOutputReleased
	}
	if err != nil {
		return nil, j, err
	}
	return r, j, nil
}

// ExpireOutputs releases outputs of succeeded jobs that were never
// released within ttl and returns how many were released.
func (c *Coordinator) ExpireOutputs(ctx context.Context, ttl time.Duration) (int, error) {
	jobs, err := c.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	released := 0
	var errs []error
	for _, j := range jobs {
		if j.GetStatus() != StatusSucceeded || j.OutputReleased || !j.CompletedAt.Before(cutoff) {
			continue
		}
		if err := c.ReleaseJobOutput(ctx, j.ID); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}
