package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

// listEntry pairs a stored record with the key it is stored under.
type listEntry struct {
	Name   string                      `json:"name"`
	Record *provision.DatasourceRecord `json:"record"`
}

func newListCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List datasources known to the state store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			names, err := a.store.List(ctx)
			if err != nil {
				return exitf(2, "listing state records: %v", err)
			}

			entries := make([]listEntry, 0, len(names))
			for _, name := range names {
				record, err := a.store.Get(ctx, name)
				if err != nil {
					a.logger.WithDatasource(name).WithError(err).Warn("skipping unreadable record")
					continue
				}
				entries = append(entries, listEntry{Name: name, Record: record})
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(entries); err != nil {
				return exitf(2, "encoding report: %v", err)
			}
			return nil
		},
	}

	return cmd
}
