// Package cli implements the conductor command-line interface using Cobra.
// Commands only inspect state; work reaches the scheduler through its Go API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor: schedule browser automation around one shared session",
	Long: `conductor runs queued automation jobs (DM sessions, scrapes, generation
runs, publish drains) one admission at a time, and leases the single shared
browser session to whichever job needs it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
