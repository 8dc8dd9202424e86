package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakeforge/lakeforge/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Parse and validate the configuration file without touching any remote
system: required fields, URL shapes, placeholder detection, and
cross-field constraints.`,
		Example: `  # Validate the default config
  lakeforge validate

  # Validate a specific file
  lakeforge validate --config ./prod.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return exitf(1, "config invalid: %v", err)
			}
			fmt.Printf("config %s is valid\n", configPath)
			return nil
		},
	}

	return cmd
}
