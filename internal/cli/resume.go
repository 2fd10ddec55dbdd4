package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tbeckert/harvest/pkg/pipeline"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue an interrupted run",
	Long: `Resume skips sources the checkpoint records as completed or failed and
processes only the pending ones. With nothing pending it performs no
network requests and exits successfully.`,
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(ctx context.Context, orch *pipeline.Orchestrator) error {
		if err := orch.Resume(ctx); err != nil {
			return err
		}

		printStatus(orch.Status(), cfg.SourceNames())
		return nil
	})
}
