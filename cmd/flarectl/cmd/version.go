package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flaretrack/flaretrack/pkg/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit, and build time of flarectl.`,
	Run: func(cmd *cobra.Command, args []string) {
		if GetOutput() == "json" {
			printJSON(config.GetBuildInfo())
		} else {
			fmt.Println(config.VersionString())
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
