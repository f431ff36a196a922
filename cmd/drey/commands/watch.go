package commands

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/watch"
)

var watchOutput string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live run events from the bus",
	Long: `Stream run events in real time: claims, completions, blocks, decisions,
and budget updates.

Requires the redis event bus (bus.redis_url in drey.yml, DREY_REDIS_URL,
or a bus started with 'drey bus up'). Without a bus configured, use
'drey status' for point-in-time state instead.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchOutput, "output", "default", "Output format: default or json")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseOutputFormat(watchOutput)
	if err != nil {
		return printer.Error(
			"invalid --output value",
			err.Error(),
			[]string{"Valid formats are 'default' and 'json'"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	client, err := busClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.SubscribeEvents(ctx)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to subscribe to run events",
			"Connected to the bus but could not subscribe to the event channel.",
			map[string]string{"instance": cfg.Instance, "error": err.Error()},
			nil,
		)
	}
	defer sub.Close()

	if err := watch.StreamActivity(ctx, sub, format, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
