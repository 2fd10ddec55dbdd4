package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tbeckert/harvest/pkg/pipeline"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard all progress and chunk files",
	Long: `Reset removes the checkpoint file, deletes every chunk file, and purges
the page cache. The next run starts from a clean slate. This cannot be
undone, so reset prompts for confirmation unless --force is given.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "skip confirmation prompt")
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetForce && !confirm("Discard all checkpoint progress and chunk files?") {
		fmt.Println("Aborted.")
		return nil
	}

	return withOrchestrator(func(ctx context.Context, orch *pipeline.Orchestrator) error {
		if err := orch.Reset(ctx); err != nil {
			return err
		}

		fmt.Println("Pipeline reset.")
		return nil
	})
}

// confirm asks a yes/no question on stdin.
func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
