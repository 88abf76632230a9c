package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "leadsync",
	Short:         "Bidirectional lead sync between two independently owned systems",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		serveCmd,
		processQueueCmd,
		reconcileCmd,
		resetStuckCmd,
		retryFailedCmd,
		migrateCmd,
	)
}

// main dispatches to a subcommand; "serve" boots the HTTP service.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
