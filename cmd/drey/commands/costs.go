package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/backlog"
	"github.com/dyluth/drey/internal/budget"
	"github.com/dyluth/drey/pkg/den"
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show spend per feature and today's total",
	Long: `Show the cost ledger aggregated per feature: builder calls, token counts,
and dollar cost, plus today's total against the daily cap.

The ledger is append-only and spans runs; totals here cover the full
history of the den.`,
	RunE: runCosts,
}

func init() {
	rootCmd.AddCommand(costsCmd)
}

func runCosts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	layout := cfg.Layout()
	ledger := den.NewLedger(layout)
	entries, err := ledger.Entries()
	if err != nil {
		return fmt.Errorf("failed to read cost ledger: %w", err)
	}

	backlog.FormatCostTable(os.Stdout, entries)

	gate := budget.NewGate(ledger, cfg.Budget)
	spent, err := gate.SpentToday()
	if err != nil {
		return fmt.Errorf("failed to total today's spend: %w", err)
	}
	if cap := gate.DailyCap(); cap > 0 {
		fmt.Printf("\nSpent today: $%.2f of $%.2f cap\n", spent, cap)
	} else {
		fmt.Printf("\nSpent today: $%.2f (no cap)\n", spent)
	}
	return nil
}
