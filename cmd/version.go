package cmd

import (
	"fmt"

	"github.com/Bharat940/discord-copilot-with-dashboard/copilot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"copilot %s (commit %s, built %s)\n",
			copilot.Version,
			copilot.CommitSHA,
			copilot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
