// Conductor server — runs the task board, the agent fleet, and the HTTP API
// over a single SQLite database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/conductor/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:           "conductor",
	Short:         "Multi-agent task orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, submitCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
