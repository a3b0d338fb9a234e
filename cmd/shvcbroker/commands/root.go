// Package commands implements the shvcbroker CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version is injected at build time.
	Version = "dev"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "shvcbroker",
	Short: "SHV RPC message broker",
	Long: `shvcbroker runs the authenticating SHV RPC message broker: it accepts
client connections on every configured listen URL, authenticates each via
the login handshake (or an autosetup match), and routes requests, responses,
and signals between mounted peers according to their subscriptions and
access level.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command. Called once from main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to broker config file (YAML)")
	rootCmd.AddCommand(versionCmd)
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string {
	return cfgFile
}
