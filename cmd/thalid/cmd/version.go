package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thaliproject/thali-go/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print thalid's config schema version",
	Run: func(cmd *cobra.Command, args []string) {
		banner := color.New(color.FgCyan, color.Bold)
		banner.Print("thalid")
		fmt.Printf(" config schema %s\n", config.SchemaVersion)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
