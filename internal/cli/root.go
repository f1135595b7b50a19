// Package cli implements the parley command line interface and the HTTP
// gateway exposed by the serve command.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/parleyd/parley/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _ __   __ _ _ __| | ___ _   _\n" +
		" | '_ \\ / _` | '__| |/ _ \\ | | |\n" +
		" | |_) | (_| | |  | |  __/ |_| |\n" +
		" | .__/ \\__,_|_|  |_|\\___|\\__, |\n" +
		" |_|                      |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "parley - automated lease negotiation sessions",
	Long: color.CyanString(logo) +
		"\nA session daemon that runs tenant/landlord negotiation dialogues with\ncrash-consistent state and a replayable event stream.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}
