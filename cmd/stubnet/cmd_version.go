package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/stubnet/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "stubnet %s\n", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
