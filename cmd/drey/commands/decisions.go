package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/backlog"
	"github.com/dyluth/drey/pkg/den"
)

var (
	decisionsAll  bool
	decisionsJSON bool
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions [decision-id]",
	Short: "List decisions or show one in full",
	Long: `Without arguments, list decisions awaiting an answer, oldest first.

With a decision id (or unique prefix), show the full record including
context, options, and any recorded answer.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecisions,
}

func init() {
	decisionsCmd.Flags().BoolVar(&decisionsAll, "all", false, "Include answered, timed out, and cancelled decisions")
	decisionsCmd.Flags().BoolVar(&decisionsJSON, "json", false, "Emit JSON instead of a table")
	rootCmd.AddCommand(decisionsCmd)
}

func runDecisions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	queue := den.NewDecisionQueue(cfg.Layout(), nil)

	if len(args) == 1 {
		d, err := resolveDecision(queue, args[0])
		if err != nil {
			return err
		}
		return backlog.FormatSingleDecision(os.Stdout, d)
	}

	var decisions []*den.Decision
	if decisionsAll {
		decisions, err = queue.List()
	} else {
		decisions, err = queue.Pending()
	}
	if err != nil {
		return fmt.Errorf("failed to read decisions: %w", err)
	}

	if decisionsJSON {
		data, err := json.MarshalIndent(decisions, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal decisions to JSON: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if backlog.FormatDecisionTable(os.Stdout, decisions) > 0 && !decisionsAll {
		fmt.Println("\nAnswer one with:\n  drey answer <id> <option>")
	}
	return nil
}
