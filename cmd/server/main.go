// Package main provides the entry point for the merge API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maauso/stillmerge-api/internal/bootstrap"
	"github.com/maauso/stillmerge-api/internal/config"
	"github.com/maauso/stillmerge-api/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting stillmerge API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)
	logger.Debug("effective configuration", slog.Any("config", *cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("failed to close dependencies", slog.String("error", err.Error()))
		}
	}()

	// Clear what a previous run left behind before accepting work.
	if _, err := deps.Sweeper.Sweep(ctx); err != nil {
		logger.Warn("startup housekeeping incomplete", slog.String("error", err.Error()))
	}
	if err := deps.Sweeper.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start housekeeping: %w", err)
	}

	// Initialize HTTP handlers and router
	opts := []server.HandlerOption{
		server.WithLoadReporter(deps.Limiter),
		server.WithTempDir(deps.Store.Dir()),
		server.WithMaxRequestSize(int64(cfg.MaxRequestSize)),
	}
	if deps.Publisher != nil {
		opts = append(opts, server.WithPublisher(deps.Publisher))
	}
	handlers := server.NewHandlers(deps.Coordinator, logger, opts...)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,                  // Large uploads
		WriteTimeout:      cfg.MergeTimeout + 5*time.Minute, // Merge plus download; does not cancel the handler
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	// In-flight merges get their full budget to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.MergeTimeout+cfg.CleanupTimeout)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
