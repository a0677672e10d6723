// Package cmd holds the envwatch command line.
package cmd

import (
	"errors"
	"io/fs"
	"strings"

	"envwatch/internal/config"
	logx "envwatch/pkg/logx"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	flagConfig  = "config"
	flagEnvFile = "env-file"
)

// Version is set by the linker.
var Version = "0.0.0-dev"

// NewRoot builds the root command with every subcommand attached.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "envwatch",
		Short: "Environmental alerting service",
		Long: `envwatch evaluates weather and air quality sensor data on a schedule,
classifies it into a color alert with a language model and serves the
current alerts over HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(cmd)
		},
	}
	root.PersistentFlags().String(flagConfig, "./envwatch.yaml", "path to the config file (yaml or json)")
	root.PersistentFlags().String(flagEnvFile, ".env", "dotenv file with secrets; missing is fine unless set explicitly")

	root.AddCommand(Serve(), Reconcile(), Queue(), Validate(), CmdVersion())
	return root
}

// loadEnv reads the dotenv file without overriding variables already set.
func loadEnv(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString(flagEnvFile)
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed(flagEnvFile) {
		return nil
	}
	return err
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(flagConfig)
	return config.NewManager(path, cliLogger()).Load()
}

func cliLogger() logx.Logger { return logx.NewWriter(logx.Stderr(), "WARN") }
