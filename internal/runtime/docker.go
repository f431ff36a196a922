package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/dyluth/drey/internal/config"
	dockerpkg "github.com/dyluth/drey/internal/docker"
)

// workerStopTimeout is how many seconds a container gets to exit after a
// stop request before the docker engine kills it.
const workerStopTimeout = 10

// containerState tracks one running worker container.
type containerState struct {
	ID       string
	WorkerID string
	Name     string
	Launched time.Time
}

// Docker runs each worker as an ephemeral container sharing the host
// workspace through a bind mount. The den lives inside the workspace, so a
// containerised worker coordinates with the rest of the run through the
// same files as a process worker. The config file must sit in the
// workspace root so workers can load it at /workspace/<name>.
type Docker struct {
	cli        *client.Client
	image      string
	instance   string
	runID      string
	workspace  string
	configPath string
	redisURL   string
	network    string

	mu     sync.RWMutex
	active map[string]*containerState // key: worker id
	wg     sync.WaitGroup
}

// NewDocker creates a Docker launcher for one orchestrator run. When the
// bus is configured, workers join the instance network (created by
// `drey bus up`) so they can resolve the redis container by name.
func NewDocker(cli *client.Client, cfg *config.Config, configPath, workDir string) (*Docker, error) {
	workspace, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	d := &Docker{
		cli:        cli,
		image:      cfg.Runtime.Image,
		instance:   cfg.Instance,
		runID:      dockerpkg.GenerateRunID(),
		workspace:  workspace,
		configPath: configPath,
		redisURL:   cfg.Bus.RedisURL,
		active:     make(map[string]*containerState),
	}
	if cfg.Bus.RedisURL != "" {
		d.network = dockerpkg.NetworkName(cfg.Instance)
	}
	return d, nil
}

// workerArgs builds the container command for one worker. The image has
// ENTRYPOINT ["drey"], so it only contains arguments.
func (d *Docker) workerArgs(workerID string) []string {
	args := []string{"worker", "--id", workerID}
	if d.configPath != "" {
		args = append(args, "--config", "/workspace/"+filepath.Base(d.configPath))
	}
	return args
}

// Launch creates and starts one worker container.
func (d *Docker) Launch(ctx context.Context, workerID string) error {
	d.mu.RLock()
	_, exists := d.active[workerID]
	d.mu.RUnlock()
	if exists {
		return fmt.Errorf("worker %s is already running", workerID)
	}

	name := dockerpkg.WorkerContainerName(d.instance, workerID)

	env := []string{
		fmt.Sprintf("DREY_INSTANCE_NAME=%s", d.instance),
		fmt.Sprintf("DREY_WORKER_ID=%s", workerID),
	}
	if d.redisURL != "" {
		env = append(env, fmt.Sprintf("REDIS_URL=%s", d.redisURL))
	}

	labels := dockerpkg.BuildLabels(d.instance, d.runID, d.workspace, "worker")
	labels[dockerpkg.LabelWorkerID] = workerID

	containerConfig := &container.Config{
		Image:      d.image,
		Cmd:        d.workerArgs(workerID),
		Env:        env,
		Labels:     labels,
		WorkingDir: "/workspace",
	}

	hostConfig := &container.HostConfig{
		AutoRemove: false, // cleanup is explicit so exit codes and logs can be read first
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: d.workspace,
			Target: "/workspace",
		}},
	}
	if d.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.network)
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create worker container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start worker container: %w", err)
	}

	state := &containerState{
		ID:       resp.ID,
		WorkerID: workerID,
		Name:     name,
		Launched: time.Now(),
	}
	d.mu.Lock()
	d.active[workerID] = state
	d.mu.Unlock()

	log.Printf("[Runtime] Started worker %s in container %s", workerID, name)

	d.wg.Add(1)
	go d.monitor(ctx, state)
	return nil
}

// monitor waits for a worker container to exit, surfaces its logs on
// failure, and removes it.
func (d *Docker) monitor(ctx context.Context, state *containerState) {
	defer d.wg.Done()

	statusCh, errCh := d.cli.ContainerWait(ctx, state.ID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		log.Printf("[Runtime] Error waiting for worker %s: %v", state.WorkerID, err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			log.Printf("[Runtime] Worker %s exited with code %d\n%s",
				state.WorkerID, status.StatusCode, d.containerLogs(ctx, state.ID))
		} else {
			log.Printf("[Runtime] Worker %s exited cleanly", state.WorkerID)
		}
	}

	d.cleanup(state)
}

// cleanup removes the container and drops it from tracking. Removal uses a
// fresh context so a cancelled run still cleans up its containers.
func (d *Docker) cleanup(state *containerState) {
	d.mu.Lock()
	delete(d.active, state.WorkerID)
	d.mu.Unlock()

	removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.cli.ContainerRemove(removeCtx, state.ID, container.RemoveOptions{Force: true}); err != nil {
		log.Printf("[Runtime] Warning: failed to remove container %s: %v", state.Name, err)
	}
}

// containerLogs retrieves the last 100 log lines for failure reporting.
func (d *Docker) containerLogs(ctx context.Context, containerID string) string {
	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "100",
	})
	if err != nil {
		return fmt.Sprintf("(failed to retrieve logs: %v)", err)
	}
	defer reader.Close()

	logs, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Sprintf("(failed to read logs: %v)", err)
	}
	return string(logs)
}

// Alive reports how many worker containers are still running.
func (d *Docker) Alive() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.active)
}

// Stop stops all running worker containers and waits for their monitors
// to finish cleanup.
func (d *Docker) Stop(ctx context.Context) error {
	d.mu.RLock()
	states := make([]*containerState, 0, len(d.active))
	for _, state := range d.active {
		states = append(states, state)
	}
	d.mu.RUnlock()

	timeout := workerStopTimeout
	for _, state := range states {
		if err := d.cli.ContainerStop(ctx, state.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			log.Printf("[Runtime] Warning: failed to stop container %s: %v", state.Name, err)
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
