package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show account and position state",
	Long: `Connects to the broker gateway, prints the account summary and
every venue-reported position, then exits.`,
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	snapshot, err := a.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}

	fmt.Println("=== Account ===")
	fmt.Printf("  cash:            %.2f\n", snapshot.Cash)
	fmt.Printf("  buying power:    %.2f\n", snapshot.BuyingPower)
	fmt.Printf("  net liquidation: %.2f\n", snapshot.NetLiquidation)
	fmt.Println()

	if len(snapshot.Positions) == 0 {
		fmt.Println("No open positions")
		return nil
	}

	fmt.Println("=== Positions ===")
	for _, pos := range snapshot.Positions {
		fmt.Printf("  %-8s qty=%-8.0f avg_cost=%.2f\n", pos.Symbol, pos.Quantity, pos.AvgCost)
	}

	return nil
}
