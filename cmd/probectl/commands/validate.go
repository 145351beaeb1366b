package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openprobe/openprobe/pkg/reconcile"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate plan documents",
		Long: `Validate plan documents without contacting the hub.

Checks document shape, node and marker well-formedness, graph
reachability and acyclicity, and frequency bounds. The path may be a
single file or a directory of .json/.yaml/.yml plans.`,
		Example: `  # Validate all plans in the current directory
  probectl validate

  # Validate one plan
  probectl validate ./plans/checkout-health.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			info, err := os.Stat(path)
			if err != nil {
				return err
			}

			if !info.IsDir() {
				doc, err := reconcile.LoadFile(path)
				if err != nil {
					return err
				}
				fmt.Printf("plan %q is valid\n", doc.Name)
				return nil
			}

			plans, err := reconcile.LoadDir(path)
			if err != nil {
				return err
			}
			fmt.Printf("%d plans valid\n", len(plans))
			return nil
		},
	}
	return cmd
}
