package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/backlog"
	"github.com/dyluth/drey/internal/budget"
	"github.com/dyluth/drey/pkg/den"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the backlog, spend, and pending decisions",
	Long: `Show every feature's current status, who holds it, its CI state and age,
plus today's spend against the daily cap and any decisions waiting for an
answer.

Reads the den directly; works whether or not a run is in progress.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit the raw state document as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	state, err := snapshotState(store)
	if err != nil {
		return err
	}

	if statusJSON {
		return backlog.FormatJSON(os.Stdout, state)
	}

	backlog.FormatTable(os.Stdout, store.Catalog(), state)
	fmt.Println()

	layout := cfg.Layout()
	gate := budget.NewGate(den.NewLedger(layout), cfg.Budget)
	spent, err := gate.SpentToday()
	if err != nil {
		return fmt.Errorf("failed to read cost ledger: %w", err)
	}
	if cap := gate.DailyCap(); cap > 0 {
		fmt.Printf("Spend today: $%.2f of $%.2f cap\n", spent, cap)
	} else {
		fmt.Printf("Spend today: $%.2f (no cap)\n", spent)
	}

	pending, err := den.NewDecisionQueue(layout, nil).Pending()
	if err != nil {
		return fmt.Errorf("failed to read decisions: %w", err)
	}
	if len(pending) > 0 {
		fmt.Printf("\n%d decision(s) awaiting an answer. See them with:\n  drey decisions\n", len(pending))
	}

	return nil
}
