// Package cmd implements the CLI commands for mergectl.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maauso/stillmerge-api/internal/bootstrap"
	"github.com/maauso/stillmerge-api/internal/config"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mergectl",
	Short: "Merge a still image and an audio track into a video",
	Long: `mergectl drives the stillmerge pipeline from the command line.

It reads the same environment variables as the server (TEMP_DIR,
LEDGER_DIR, FFMPEG_PATH, MERGE_TIMEOUT, ...). The leak ledger can only be
opened by one process, so do not run mergectl against the ledger of a
running server.

Example:
  mergectl merge --image cover.png --audio track.mp3 --out video.mp4
  LEDGER_DIR=/var/lib/stillmerge mergectl sweep`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd)
	}

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error), overrides LOG_LEVEL")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json), overrides LOG_FORMAT")

	rootCmd.AddCommand(mergeCmd, sweepCmd)
}

// initConfig loads the environment configuration and applies flag overrides.
func initConfig(cmd *cobra.Command) error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		c.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		c.LogFormat = v
	}

	cfg = c
	logger = c.NewLogger()
	slog.SetDefault(logger)
	return nil
}

// withDependencies runs fn with a fully wired pipeline and closes it afterwards.
func withDependencies(ctx context.Context, fn func(*bootstrap.Dependencies) error) (err error) {
	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if cerr := deps.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(deps)
}
