package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/builder"
	"github.com/dyluth/drey/internal/notify"
	"github.com/dyluth/drey/internal/vcs"
	"github.com/dyluth/drey/internal/worker"
	"github.com/dyluth/drey/pkg/den"
)

var workerID string

// workerCmd is the mode the launcher re-executes this binary in; it is not
// part of the user-facing command set.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single worker loop (launched by drey run)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "Worker id, unique within the run")
	workerCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Load(); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	var notifier den.Notifier = notify.Log{}
	if cfg.Bus.RedisURL != "" {
		client, err := busClient(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		notifier = notify.Multi{notify.Log{}, notify.NewRedis(client)}
	}

	engine, err := worker.New(worker.Options{
		ID:       workerID,
		Config:   cfg,
		Store:    store,
		Builder:  builder.NewExec(cfg.Builder.Command, cfg.BuilderTimeout()),
		VCS:      vcs.NewGit(""),
		Notifier: notifier,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	return engine.Run(ctx)
}
