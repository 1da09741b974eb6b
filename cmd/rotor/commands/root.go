package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	dryRun  bool
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rotor",
	Short: "Rotor - instrument rotation trading engine",
	Long: `Rotor rotates capital between instruments on a fixed cycle:
score the watchlist, enforce exits, close weak holdings, and
redeploy freed buying power into the strongest candidates.

Usage:
  go run ./cmd/rotor [command]

Examples:
  go run ./cmd/rotor run
  go run ./cmd/rotor cycle
  go run ./cmd/rotor status
  go run ./cmd/rotor journal 2025-03`,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "simulate fills instead of trading the live gateway")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
