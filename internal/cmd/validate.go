package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func Validate() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d job(s)\n", len(cfg.Jobs))
			return nil
		},
	}
}
