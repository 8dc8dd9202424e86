// Package commands implements the lakeforge CLI: datasource creation,
// deletion, listing, and configuration validation. Reports go to stdout
// as JSON; structured logs go to stderr.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// ExitError carries a process exit code through cobra's error return.
// Code 1 means a subsystem failed or state was not fully cleaned; code 2
// means a fatal internal error or a state removal failure after cleanup.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func exitf(code int, format string, args ...interface{}) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lakeforge",
		Short: "Lakeforge - datasource lifecycle orchestrator",
		Long: `Lakeforge provisions and tears down composite datasources across the
storage, directory, governance, and warehouse subsystems:

  - an ADLS Gen2 container with a dedicated managed identity
  - a directory application, service principal, and access group
  - a Unity Catalog storage credential, external location, and catalog
  - a Snowflake external volume, catalog integration, and linked database

Every operation is idempotent and resumable from persisted state.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lakeforge.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newCreateCommand(version))
	rootCmd.AddCommand(newDeleteCommand(version))
	rootCmd.AddCommand(newListCommand(version))
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
