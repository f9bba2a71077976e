package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tallyd",
	Short: "Shared in-memory inventory and ledger over TCP",
	Long: `tallyd keeps a registry of entities (books, cars, stock units, accounts)
in memory and serves it to many simultaneous clients over a line-oriented
text protocol.

Configuration is read from $XDG_CONFIG_HOME/tallyd/config.yaml (or --config)
and can be overridden with TALLYD_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/tallyd/config.yaml)")
}
