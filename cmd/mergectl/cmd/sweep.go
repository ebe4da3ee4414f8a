package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maauso/stillmerge-api/internal/bootstrap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one housekeeping pass",
	Long: `Retry deletions recorded in the leak ledger, release outputs nobody
downloaded, remove temporary files older than OUTPUT_TTL and forget old jobs.

Useful after a crash, before the server is started again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDependencies(cmd.Context(), func(deps *bootstrap.Dependencies) error {
			report, err := deps.Sweeper.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "retried=%d resolved=%d expired_outputs=%d swept_files=%d pruned_jobs=%d\n",
				report.Retried, report.Resolved, report.ExpiredOutputs, report.SweptFiles, report.PrunedJobs)
			return err
		})
	},
}
