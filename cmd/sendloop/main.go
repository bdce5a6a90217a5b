package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sendloop/sendloop/cmd/sendloop/commands"
	"github.com/sendloop/sendloop/errors"
)

var rootCmd = &cobra.Command{
	Use:   "sendloop",
	Short: "sendloop - scheduling and execution engine for marketing workflows",
	Long: `sendloop - scheduling and execution engine for marketing workflows.

Workflows fire on recurring patterns, after delays, at fixed times or on
inbound webhook events. Due jobs are claimed and executed on every poll,
with retries and exponential backoff.

Available commands:
  serve      - Run the HTTP API (poll, webhooks, admin, events)
  poll       - Execute due jobs once
  register   - Reconcile recurring jobs for all active workflows
  cleanup    - Force-fail jobs stuck in running
  jobs       - List and cancel jobs
  workflows  - Import and list workflow definitions
  migrate    - Apply database migrations
  health     - Show poll driver liveness
  config     - Show or initialize configuration

Examples:
  sendloop serve --insecure --dry-run   # Local development
  sendloop workflows import flows.yaml  # Load definitions
  sendloop jobs ls --status failed      # Inspect failures`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to sendloop.toml (default: nearest in working directory tree)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v, -vv)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.PollCmd)
	rootCmd.AddCommand(commands.RegisterCmd)
	rootCmd.AddCommand(commands.CleanupCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.WorkflowsCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.HealthCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}
