// Package cli provides the command-line interface for harvest.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tbeckert/harvest/pkg/config"
	"github.com/tbeckert/harvest/pkg/logging"
	"github.com/tbeckert/harvest/pkg/pipeline"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE for every data-touching command.
	cfg config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Resumable paginated data collection pipeline",
	Long: `Harvest walks a declared list of paginated HTTP sources, writes the
records into bounded chunk files, and checkpoints per-source completion
so an interrupted run can be resumed without refetching finished
sources.

Typical lifecycle:
  harvest run            start a fresh collection run
  harvest resume         continue an interrupted run
  harvest status         inspect checkpoint progress
  harvest consolidate    merge completed sources into the final dataset
  harvest reset          discard all progress and chunk files`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		if verbose {
			cfg.Log.Level = logging.LevelDebug
		}
		logging.Setup(logging.Config{
			Level:  cfg.Log.Level,
			Pretty: cfg.Log.Pretty,
		})

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "harvest.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(consolidateCmd)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, so an
// interrupted run stops cleanly at a page boundary and stays resumable.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withOrchestrator builds the pipeline, runs fn, and releases resources.
func withOrchestrator(fn func(ctx context.Context, orch *pipeline.Orchestrator) error) error {
	orch, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return fn(ctx, orch)
}
