package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/flowworker/cmd/flowworker/commands"
	"github.com/teranos/flowworker/logger"
)

var rootCmd = &cobra.Command{
	Use:   "flowworker",
	Short: "flowworker - job queue worker for flow execution",
	Long: `flowworker - job queue worker for flow execution.

Pulls jobs from the one-time, repeatable, webhook and user-interaction queues,
hands each one to the flow engine and reports the outcome to the control plane.
Repeatable job payloads written by older releases are upgraded in place under
a cross-process lock.

Available commands:
  start    - Run the worker until interrupted
  migrate  - Upgrade stored repeatable job payloads once and exit
  enqueue  - Put a job on a local queue (sqlite or redis backend)
  am       - Show and validate configuration ("I am")
  version  - Show build information

Examples:
  flowworker start -v          # Run with debug logging
  flowworker migrate           # Upgrade stale payloads
  flowworker am show           # Show effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip for commands whose stdout is meant to be parsed
		if cmd.Name() == "show" || cmd.Name() == "get" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v for debug)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.EnqueueCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
