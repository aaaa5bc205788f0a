package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/n3n-io/n3n/version"
)

var versionVerbose bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the n3n version",
	Run: func(cmd *cobra.Command, args []string) {
		if !versionVerbose {
			fmt.Println(version.Version())
			return
		}
		data, err := json.MarshalIndent(version.GetBuildInfo(), "", "  ")
		if err != nil {
			fmt.Println(version.Version())
			return
		}
		fmt.Println(string(data))
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionVerbose, "verbose", false, "include build and dependency details")
	RootCmd.AddCommand(versionCmd)
}
