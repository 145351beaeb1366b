// Package commands implements the probectl CLI.
package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ErrPendingChanges signals that a dry-run apply found differences.
// main maps it to exit code 2 so CI pipelines can gate on drift.
var ErrPendingChanges = errors.New("pending changes")

var (
	// Global flags
	hubURL  string
	apiKey  string
	verbose bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "probectl",
		Short: "OpenProbe - declarative synthetic monitoring",
		Long: `probectl manages OpenProbe monitoring plans.

Plans are declarative JSON or YAML documents describing HTTP probes as a
graph of requests, waits and assertions. probectl validates them locally
and reconciles a directory of plans against the hub.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&hubURL, "hub-url", "http://localhost:8080", "hub API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "hub API key")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newApplyCommand())

	return rootCmd
}
