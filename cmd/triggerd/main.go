// Triggerd — multi-tenant custom-command execution engine for chat guilds.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "triggerd",
	Short: "triggerd — sandboxed custom-command execution engine for chat guilds.",
	Long: `Triggerd matches inbound chat messages against per-guild command triggers
and runs the matched scripts in short-lived, resource-bounded sandboxes.
Every execution attempt is rate limited, statically validated, and recorded
in an append-only audit trail.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, simulateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
