// Package runtime launches and supervises worker processes.
//
// The orchestrator delegates worker lifecycle to a Launcher so the same run
// loop can drive plain child processes and Docker containers. Workers
// coordinate through den files, never through the launcher, so a launcher
// only needs to start workers, count the live ones, and stop them.
package runtime

import (
	"context"
	"fmt"

	"github.com/dyluth/drey/internal/config"
	dockerpkg "github.com/dyluth/drey/internal/docker"
)

// Launcher starts and tracks the workers of one orchestrator run.
type Launcher interface {
	// Launch starts the worker with the given id. It returns once the
	// worker process is running; the worker loop exits on its own.
	Launch(ctx context.Context, workerID string) error

	// Alive reports how many launched workers are still running.
	Alive() int

	// Stop terminates all running workers and waits for them to exit.
	Stop(ctx context.Context) error
}

// New selects a launcher from the runtime configuration. configPath is the
// config file workers should load ("" for defaults) and workDir is the
// repository the workers operate in.
func New(ctx context.Context, cfg *config.Config, configPath, workDir string) (Launcher, error) {
	switch cfg.Runtime.Kind {
	case "", "process":
		return NewProcess(configPath, workDir)
	case "docker":
		cli, err := dockerpkg.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewDocker(cli, cfg, configPath, workDir)
	default:
		return nil, fmt.Errorf("unknown runtime kind: %s", cfg.Runtime.Kind)
	}
}
