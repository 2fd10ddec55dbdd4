package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbeckert/harvest/pkg/checkpoint"
	"github.com/tbeckert/harvest/pkg/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect checkpoint progress",
	Long: `Status prints the per-source state of the current run: completed,
failed (with the recorded error summary), and pending sources, plus the
total records processed so far.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(ctx context.Context, orch *pipeline.Orchestrator) error {
		printStatus(orch.Status(), cfg.SourceNames())
		return nil
	})
}

// printStatus renders a checkpoint snapshot against the declared source
// list.
func printStatus(snap checkpoint.State, declared []string) {
	fmt.Printf("Run %s\n\n", snap.RunID)

	for _, name := range declared {
		switch {
		case snap.IsCompleted(name):
			fmt.Printf("  %-20s completed\n", name)
		case snap.IsFailed(name):
			fmt.Printf("  %-20s failed: %s\n", name, snap.FailedSources[name])
		default:
			fmt.Printf("  %-20s pending\n", name)
		}
	}

	fmt.Printf("\n%d/%d sources completed, %d failed, %d records processed\n",
		len(snap.CompletedSources), len(declared), len(snap.FailedSources),
		snap.TotalRecordsProcessed)
	if !snap.LastUpdated.IsZero() {
		fmt.Printf("Last updated: %s\n", snap.LastUpdated.Format("2006-01-02 15:04:05 MST"))
	}
}
