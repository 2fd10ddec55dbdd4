package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbeckert/harvest/pkg/pipeline"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge completed sources into the final dataset",
	Long: `Consolidate streams the chunk files of every completed source into a
single newline-delimited JSON file, one source-tagged record per line,
in declared source order. Sources that are pending or failed are
skipped. The output file appears atomically: it is written to a
temporary path and renamed only after every record is flushed.`,
	RunE: runConsolidate,
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(ctx context.Context, orch *pipeline.Orchestrator) error {
		count, err := orch.Consolidate(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Consolidated %d records into %s\n", count, cfg.OutputPath)
		return nil
	})
}
