package cmd

import (
	"encoding/json"

	"envwatch/internal/app"

	"github.com/spf13/cobra"
)

func Reconcile() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Replace stored schedules with the configured set and exit",
		Long: `Purge pending ad-hoc jobs, remove every stored schedule and register one
schedule per configured job. serve does the same at startup; run this
against a stopped service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cmd.Context(), cfg, cliLogger())
			if err != nil {
				return err
			}
			defer st.Close()
			rep, err := app.Reconcile(cmd.Context(), st, cfg, cliLogger())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}
