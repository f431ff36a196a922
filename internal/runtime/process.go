package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stopGrace is how long Stop waits after SIGTERM before killing outright.
const stopGrace = 10 * time.Second

// Process runs each worker as a child process of the current binary:
// `drey worker --id <id> --config <path>`. Worker output is inherited so
// all workers log into the orchestrator's terminal.
type Process struct {
	exe     string
	workDir string
	args    func(workerID string) []string

	mu      sync.Mutex
	running map[string]*exec.Cmd
	wg      sync.WaitGroup
}

// NewProcess creates a launcher that re-executes the current binary in
// worker mode.
func NewProcess(configPath, workDir string) (*Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own binary: %w", err)
	}
	return &Process{
		exe:     exe,
		workDir: workDir,
		args:    workerArgs(configPath),
		running: make(map[string]*exec.Cmd),
	}, nil
}

// workerArgs builds the argv for one worker subcommand invocation.
func workerArgs(configPath string) func(workerID string) []string {
	return func(workerID string) []string {
		args := []string{"worker", "--id", workerID}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return args
	}
}

// Launch starts one worker process and monitors it in the background.
func (p *Process) Launch(ctx context.Context, workerID string) error {
	p.mu.Lock()
	if _, exists := p.running[workerID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("worker %s is already running", workerID)
	}
	p.mu.Unlock()

	cmd := exec.Command(p.exe, p.args(workerID)...)
	cmd.Dir = p.workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", workerID, err)
	}

	p.mu.Lock()
	p.running[workerID] = cmd
	p.mu.Unlock()

	log.Printf("[Runtime] Started worker %s (pid %d)", workerID, cmd.Process.Pid)

	p.wg.Add(1)
	go p.monitor(workerID, cmd)
	return nil
}

func (p *Process) monitor(workerID string, cmd *exec.Cmd) {
	defer p.wg.Done()

	err := cmd.Wait()

	p.mu.Lock()
	delete(p.running, workerID)
	p.mu.Unlock()

	if err != nil {
		log.Printf("[Runtime] Worker %s exited: %v", workerID, err)
		return
	}
	log.Printf("[Runtime] Worker %s exited cleanly", workerID)
}

// Alive reports how many worker processes are still running.
func (p *Process) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Stop signals every running worker with SIGTERM and waits for them to
// exit, killing stragglers after stopGrace. A signalled worker cancels its
// context and exits without touching its claim; the reaper recovers the
// claim on the next run.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(p.running))
	for _, cmd := range p.running {
		procs = append(procs, cmd)
	}
	p.mu.Unlock()

	for _, cmd := range procs {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Printf("[Runtime] Warning: failed to signal worker pid %d: %v", cmd.Process.Pid, err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
	case <-ctx.Done():
	}

	for _, cmd := range procs {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
	<-done
	return nil
}
