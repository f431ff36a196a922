package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/mergeplan"
	"github.com/dyluth/drey/internal/printer"
)

var planWrite bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the merge plan for completed features",
	Long: `Compute the dependency-ordered merge plan over the features completed so
far and print it. Dependencies always precede their dependents; ties fall
back to catalog priority.

The orchestrator writes the plan into the den automatically when a run
drains; this command recomputes it on demand, for example mid-run or after
unblocking features by hand.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planWrite, "write", false, "Also write the plan to the den (merge-plan.md)")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
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

	plan, err := mergeplan.Build(store.Catalog(), state)
	if err != nil {
		if errors.Is(err, mergeplan.ErrCycle) {
			return printer.Error(
				"dependency cycle in catalog",
				err.Error(),
				[]string{"Break the cycle in catalog.yaml and run 'drey plan' again"},
			)
		}
		return err
	}

	if !state.Drained() {
		c := state.Counts()
		printer.Warning("Run not finished: %d pending, %d in progress. The plan covers completed features only.\n\n",
			c.Pending, c.InProgress)
	}

	fmt.Print(plan.Render())

	if planWrite {
		if err := mergeplan.Write(cfg.Layout(), plan); err != nil {
			return err
		}
		printer.Success("Plan written to %s\n", cfg.Layout().MergePlanPath())
	}
	return nil
}
