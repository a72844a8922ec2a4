package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	rootCmd.Long = fmt.Sprintf(`Nexus %s

Runs browser automation tasks from natural-language prompts, YAML scripts
and URLs, streaming progress to web and terminal clients.

Get started:
  nexus verify <path>     Validate your configuration
  nexus serve -c <path>   Start the server
  nexus run <prompt>      Run one task in the terminal
  nexus watch --user <id> Follow a user's tasks`, Version)
}
