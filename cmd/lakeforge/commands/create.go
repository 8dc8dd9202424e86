package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

func newCreateCommand(version string) *cobra.Command {
	var (
		owner       string
		description string
		labels      map[string]string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Provision a datasource across all subsystems",
		Long: `Provision every resource a datasource needs: storage container and
managed identity, directory principal and access group, governance
catalog with credential and location, and warehouse integration objects.

The operation is idempotent: re-running it converges an existing or
partially provisioned datasource forward, reusing recorded secrets. The
resulting record is printed to stdout as JSON.`,
		Example: `  # Provision a datasource
  lakeforge create demo-source --config lakeforge.yaml

  # With ownership metadata
  lakeforge create demo-source --owner data-platform --label env=prod`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			record, createErr := a.orchestrator.Create(ctx, provision.DatasourceRequest{
				Name:        args[0],
				Owner:       owner,
				Description: description,
				Labels:      labels,
			})
			if record != nil {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(record); err != nil {
					return exitf(2, "encoding report: %v", err)
				}
			}
			if createErr != nil {
				return exitf(1, "provisioning failed: %v", createErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owning team or person recorded on the datasource")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringToStringVar(&labels, "label", nil, "labels applied as resource tags (key=value)")

	return cmd
}
