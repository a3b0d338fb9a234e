package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the shvcbroker version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("shvcbroker " + Version)
		return nil
	},
}
