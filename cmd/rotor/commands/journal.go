package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal [YYYY-MM]",
	Short: "Print the trade journal for a month",
	Long: `Reads the month's journal file and prints each trade. With no
argument the current month is shown.

Example:
  go run ./cmd/rotor journal 2025-03`,
	Args: cobra.MaximumNArgs(1),
	RunE: showJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)
}

func showJournal(cmd *cobra.Command, args []string) error {
	month := time.Now()
	if len(args) == 1 {
		parsed, err := time.Parse("2006-01", args[0])
		if err != nil {
			return fmt.Errorf("invalid month %q, expected YYYY-MM", args[0])
		}
		month = parsed
	}

	a, err := newApp(context.Background(), false)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.journal.ReadMonth(month.Year(), int(month.Month()))
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Printf("No trades in %s\n", month.Format("2006-01"))
		return nil
	}

	fmt.Printf("=== Trades %s ===\n", month.Format("2006-01"))
	for _, rec := range records {
		mode := ""
		if rec.DryRun {
			mode = " [dry-run]"
		}
		fmt.Printf("  %s  %-4s %-8s qty=%-6d @ %.2f  %s (%s)%s\n",
			rec.Timestamp.Format("01-02 15:04:05"),
			rec.Action, rec.Symbol, rec.Quantity, rec.Price,
			rec.Reason, rec.Strategy, mode,
		)
	}
	fmt.Printf("%d trades\n", len(records))

	return nil
}
