package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set during the build using ldflags
var version string = "unknown"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of this binary",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
