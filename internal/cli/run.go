package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbeckert/harvest/pkg/pipeline"
)

var runOverwrite bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a fresh collection run",
	Long: `Run fetches every declared source from scratch. If a prior checkpoint
carries progress, run refuses to start unless --overwrite is given, in
which case the checkpoint, chunk files, and page cache are cleared
first.

Examples:
  harvest run
  harvest run --overwrite
  harvest run -c configs/prod.yaml`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runOverwrite, "overwrite", false, "discard prior checkpoint progress")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg.Overwrite = runOverwrite

	return withOrchestrator(func(ctx context.Context, orch *pipeline.Orchestrator) error {
		if err := orch.Run(ctx); err != nil {
			if errors.Is(err, pipeline.ErrPriorProgress) {
				return fmt.Errorf("%w\nUse 'harvest resume' to continue, 'harvest reset' to start over, or rerun with --overwrite", err)
			}
			return err
		}

		printStatus(orch.Status(), cfg.SourceNames())
		return nil
	})
}
