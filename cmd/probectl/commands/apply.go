package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openprobe/openprobe/pkg/hubclient"
	"github.com/openprobe/openprobe/pkg/reconcile"
)

func newApplyCommand() *cobra.Command {
	var (
		projectID   string
		environment string
		dryRun      bool
		prune       bool
	)

	cmd := &cobra.Command{
		Use:   "apply [dir]",
		Short: "Reconcile a directory of plans against the hub",
		Long: `Apply diffs local plan documents against the hub's stored plans
and applies the difference.

Plans are matched by name within the project and environment; equality
is by content hash, so formatting changes never cause writes. With
--dry-run the diff is printed without applying; the command exits 2 when
changes are pending, so CI can gate on drift. --prune deletes stored
plans that have no local counterpart.`,
		Example: `  # Apply plans for the payments project
  probectl apply --project payments --environment production ./plans

  # Drift check in CI
  probectl apply --project payments --environment production --dry-run ./plans`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			plans, err := reconcile.LoadDir(dir)
			if err != nil {
				return err
			}

			var opts []hubclient.Option
			if apiKey != "" {
				opts = append(opts, hubclient.WithAPIKey(apiKey))
			}
			hub := hubclient.New(hubURL, opts...)

			rec := reconcile.New(hub, nil)
			recOpts := reconcile.Options{
				ProjectID:        projectID,
				Environment:      environment,
				IncludeDeletions: prune,
				DryRun:           dryRun,
			}

			ctx := cmd.Context()
			changes, err := rec.Diff(ctx, plans, recOpts)
			if err != nil {
				return err
			}

			for _, change := range changes {
				if change.Type == reconcile.ChangeNoop && !verbose {
					continue
				}
				fmt.Printf("%-6s %s\n", change.Type, change.Name)
			}

			summary, err := rec.Apply(ctx, changes, recOpts)
			if err != nil {
				return err
			}
			fmt.Println(summary)

			if dryRun && summary.Pending() {
				return ErrPendingChanges
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "project ID (required)")
	cmd.Flags().StringVar(&environment, "environment", "", "environment (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the diff without applying it")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete stored plans missing locally")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("environment")

	return cmd
}
