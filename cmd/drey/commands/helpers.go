package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/den"
)

// loadConfig reads the configuration named by --config, with a friendly
// error pointing at `drey init` when it is missing or invalid.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			fmt.Sprintf("%s not found or invalid", configPath),
			fmt.Sprintf("Could not load the drey configuration: %v", err),
			[]string{
				"Initialize the project first:\n  drey init",
				fmt.Sprintf("Or point at an existing configuration:\n  drey --config path/to/drey.yml %s", strings.Join(os.Args[1:], " ")),
			},
		)
	}
	return cfg, nil
}

// openStore loads the catalog and wraps the den in a state store. The state
// document itself is loaded lazily by the commands that need it.
func openStore(cfg *config.Config) (*den.Store, error) {
	catalog, err := den.LoadCatalog(cfg.Paths.Catalog)
	if err != nil {
		return nil, printer.Error(
			fmt.Sprintf("catalog %s not found or invalid", cfg.Paths.Catalog),
			fmt.Sprintf("Could not load the feature catalog: %v", err),
			[]string{
				"Create a starter catalog:\n  drey init",
				"Or fix paths.catalog in drey.yml",
			},
		)
	}
	return den.NewStore(cfg.Layout(), catalog), nil
}

// snapshotState reads the current state document, translating a missing
// document into guidance to start a run.
func snapshotState(store *den.Store) (*den.State, error) {
	state, err := store.Snapshot()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, printer.Error(
				"no run state found",
				"The den has no state document yet; nothing has run here.",
				[]string{"Start a run first:\n  drey run"},
			)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return state, nil
}

// busClient connects to the configured event bus, with guidance when no bus
// is configured or reachable.
func busClient(ctx context.Context, cfg *config.Config) (*bus.Client, error) {
	if cfg.Bus.RedisURL == "" {
		return nil, printer.Error(
			"no event bus configured",
			"This command needs the redis event bus, but bus.redis_url is not set.",
			[]string{
				"Start a local bus and export its URL:\n  drey bus up",
				"Or set bus.redis_url in drey.yml (or DREY_REDIS_URL in the environment)",
			},
		)
	}

	redisOpts, err := bus.ParseURL(cfg.Bus.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bus URL %q: %w", cfg.Bus.RedisURL, err)
	}
	client, err := bus.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"event bus not reachable",
			fmt.Sprintf("Could not connect to redis at %s", cfg.Bus.RedisURL),
			map[string]string{"error": err.Error()},
			[]string{
				"Check the bus container:\n  drey bus status",
				"Start one if needed:\n  drey bus up",
			},
		)
	}
	return client, nil
}

// signalContext derives a context cancelled on SIGINT or SIGTERM. The
// returned stop func releases the signal handler.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// answererName resolves who is posting an answer: the --by flag when set,
// otherwise the local username, otherwise "operator".
func answererName(flag string) string {
	if flag != "" {
		return flag
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}
