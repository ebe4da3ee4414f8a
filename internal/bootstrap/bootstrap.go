// Package bootstrap provides dependency initialization for the merge service.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maauso/stillmerge-api/internal/config"
	"github.com/maauso/stillmerge-api/internal/executor"
	"github.com/maauso/stillmerge-api/internal/housekeeping"
	"github.com/maauso/stillmerge-api/internal/job"
	"github.com/maauso/stillmerge-api/internal/media"
	"github.com/maauso/stillmerge-api/internal/storage"
)

// Dependencies holds all initialized dependencies for the service.
type Dependencies struct {
	Coordinator *job.Coordinator
	Repository  *job.MemoryRepository
	Store       *storage.LocalStorage
	Ledger      *storage.Ledger
	Limiter     *executor.Limiter
	Sweeper     *housekeeping.Sweeper
	// Publisher is nil when S3 is not configured.
	Publisher *storage.S3Publisher
}

// NewDependencies creates and initializes all dependencies for the application.
// Close must be called to release the ledger.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured", slog.String("temp_dir", store.Dir()))

	ledger, err := storage.OpenLedger(cfg.LedgerDir)
	if err != nil {
		return nil, fmt.Errorf("open leak ledger: %w", err)
	}

	publisher, err := initPublisher(ctx, cfg, logger)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}

	limiter := executor.NewLimiter(cfg.MaxConcurrentMerges)
	runner := executor.New(cfg.FFmpegPath, limiter, executor.WithLogger(logger))

	repo := job.NewMemoryRepository()
	coord := job.NewCoordinator(repo, store, runner,
		job.WithProber(media.NewFFprobe(cfg.FFprobePath)),
		job.WithLeakRecorder(ledger),
		job.WithConstraint(cfg.AssetConstraint()),
		job.WithDefaults(job.MergeConfig{
			MergeOptions: cfg.MergeOptions(),
			Timeout:      cfg.MergeTimeout,
		}),
		job.WithCleanupTimeout(cfg.CleanupTimeout),
		job.WithLogger(logger),
	)

	sweeper := housekeeping.NewSweeper(store, cfg.OutputTTL,
		housekeeping.WithLedger(ledger),
		housekeeping.WithOutputExpirer(coord),
		housekeeping.WithOrphanSweeper(store),
		housekeeping.WithHandleOwner(coord),
		housekeeping.WithJobPruner(repo),
		housekeeping.WithSchedule(cfg.SweepSchedule),
		housekeeping.WithLogger(logger),
	)

	logger.Info("merge pipeline configured",
		slog.String("ffmpeg", cfg.FFmpegPath),
		slog.Int("max_concurrent_merges", limiter.Limit()),
		slog.Duration("merge_timeout", cfg.MergeTimeout),
		slog.String("max_part_size", cfg.MaxPartSize.String()),
	)

	return &Dependencies{
		Coordinator: coord,
		Repository:  repo,
		Store:       store,
		Ledger:      ledger,
		Limiter:     limiter,
		Sweeper:     sweeper,
		Publisher:   publisher,
	}, nil
}

// Close stops housekeeping and releases the ledger.
func (d *Dependencies) Close() error {
	d.Sweeper.Stop()
	return d.Ledger.Close()
}

// initPublisher creates the S3 publisher when S3 is configured.
func initPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.S3Publisher, error) {
	if !cfg.S3Enabled() {
		return nil, nil
	}

	publisher, err := storage.NewS3Publisher(ctx, cfg.S3Config())
	if err != nil {
		return nil, fmt.Errorf("create S3 publisher: %w", err)
	}
	logger.Info("S3 publishing configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return publisher, nil
}
