package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/mergeplan"
	"github.com/dyluth/drey/internal/orchestrator"
	"github.com/dyluth/drey/internal/printer"
)

var runWorkers int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator until the backlog drains",
	Long: `Run the orchestrator: spawn the worker pool, supervise it until every
feature is completed or blocked, then write the merge plan.

Workers claim features from the catalog in dependency order, build each one
on its own branch via the configured builder command, and record the
outcome in the den. Crashed workers' claims are recovered automatically.

Interrupting the run (Ctrl-C) is safe: in-progress claims stay in the den
and the next run picks them up.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Override the number of workers from drey.yml")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runWorkers != 0 {
		if runWorkers < 1 {
			return printer.Error(
				"invalid --workers value",
				fmt.Sprintf("--workers must be >= 1, got %d", runWorkers),
				nil,
			)
		}
		cfg.Workers = runWorkers
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	engine, err := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Store:      store,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	printer.Step("Running preflight checks...\n")
	if err := engine.Preflight(ctx); err != nil {
		return printer.Error(
			"preflight failed",
			err.Error(),
			[]string{
				"Fix the reported problem and run 'drey run' again",
				"Check the project files:\n  drey status",
			},
		)
	}
	printer.Success("Preflight passed\n\n")

	report, runErr := engine.Run(ctx)
	if report != nil {
		fmt.Println()
		fmt.Println(report.Render())
	}

	if errors.Is(runErr, mergeplan.ErrCycle) {
		return printer.Error(
			"dependency cycle in catalog",
			runErr.Error(),
			[]string{"Break the cycle in catalog.yaml, then re-run:\n  drey plan"},
		)
	}
	return runErr
}
