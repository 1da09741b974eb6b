package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single trading cycle and exit",
	Long: `Runs one full pipeline pass (refresh, analyze, exits, rotation)
and prints the result. Useful for cron-driven setups or for testing
configuration changes.

Example:
  go run ./cmd/rotor cycle --dry-run`,
	RunE: runSingleCycle,
}

func init() {
	rootCmd.AddCommand(cycleCmd)
}

func runSingleCycle(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.orch.Cycle(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Cycle completed in %s\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("  signals:      %d\n", len(result.Signals))
	fmt.Printf("  risk exits:   %v\n", result.RiskExits)
	fmt.Printf("  weak exits:   %v\n", result.WeakExits)
	fmt.Printf("  opened:       %v\n", result.Opened)
	fmt.Printf("  orders:       %d\n", result.OrdersSubmitted)
	fmt.Printf("  buying power: %.2f\n", result.BuyingPower)

	return nil
}
