package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newDeleteCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Tear down a datasource across all subsystems",
		Long: `Tear down every resource belonging to a datasource. Each subsystem is
attempted independently; individual failures are collected rather than
aborting the operation. When no state record exists, identifiers are
inferred from the naming conventions.

The per-subsystem result is printed to stdout as JSON. The state record
is removed only when every subsystem cleaned up fully.`,
		Example: `  # Tear down a datasource
  lakeforge delete demo-source --config lakeforge.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			result := a.orchestrator.Delete(ctx, args[0])

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return exitf(2, "encoding report: %v", err)
			}

			switch {
			case !result.FullyCleaned():
				return exitf(1, "teardown incomplete, state record kept for retry")
			case result.StateFound && !result.StateDeleted:
				return exitf(2, "resources cleaned up but state record removal failed")
			default:
				return nil
			}
		},
	}

	return cmd
}
