// Package orchestrator runs the control plane of a drey run: preflight
// checks, state initialization, worker spawning, supervision, stale-claim
// reaping, and the final merge plan. Workers are separate processes; the
// orchestrator coordinates with them only through den files.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/drey/internal/budget"
	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/inbox"
	"github.com/dyluth/drey/internal/mergeplan"
	"github.com/dyluth/drey/internal/notify"
	"github.com/dyluth/drey/internal/runtime"
	"github.com/dyluth/drey/internal/vcs"
	"github.com/dyluth/drey/pkg/den"
)

// defaultSpawnStagger spaces worker launches so a fresh pool does not hit
// the first claim all at once.
const defaultSpawnStagger = 2 * time.Second

// stopTimeout bounds worker shutdown at the end of a run.
const stopTimeout = 30 * time.Second

// Options configures an orchestrator Engine.
type Options struct {
	Config     *config.Config
	ConfigPath string           // config file forwarded to workers ("" lets them use defaults)
	WorkDir    string           // repository root (default ".")
	Store      *den.Store       // state store over the den layout
	Launcher   runtime.Launcher // optional; built from cfg.Runtime when nil
	Notifier   den.Notifier     // optional; defaults to the log notifier plus the bus publisher when configured
}

// Engine drives one orchestrator run from preflight to final report.
type Engine struct {
	cfg        *config.Config
	configPath string
	workDir    string
	store      *den.Store
	layout     den.Layout
	claims     *den.Claims
	gate       *budget.Gate
	notifier   den.Notifier
	launcher   runtime.Launcher
	reaper     *Reaper
	inbox      *inbox.Inbox
	busClient  *bus.Client

	spawnStagger      time.Duration
	superviseInterval time.Duration
}

// New assembles an Engine and its collaborators over the given store.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = "."
	}

	notifier := opts.Notifier
	var busClient *bus.Client
	if opts.Config.Bus.RedisURL != "" {
		redisOpts, err := bus.ParseURL(opts.Config.Bus.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid bus URL: %w", err)
		}
		busClient, err = bus.NewClient(redisOpts, opts.Config.Instance)
		if err != nil {
			return nil, err
		}
		if notifier == nil {
			notifier = notify.Multi{notify.Log{}, notify.NewRedis(busClient)}
		}
	}
	if notifier == nil {
		notifier = notify.Log{}
	}

	layout := opts.Store.Layout()
	claims := den.NewClaims(opts.Store, notifier, opts.Config.Git.BranchPrefix)
	gate := budget.NewGate(den.NewLedger(layout), opts.Config.Budget)
	queue := den.NewDecisionQueue(layout, notifier)

	return &Engine{
		cfg:               opts.Config,
		configPath:        opts.ConfigPath,
		workDir:           workDir,
		store:             opts.Store,
		layout:            layout,
		claims:            claims,
		gate:              gate,
		notifier:          notifier,
		launcher:          opts.Launcher,
		reaper:            NewReaper(opts.Store, claims, gate, notifier, opts.Config),
		inbox:             inbox.New(queue, layout),
		busClient:         busClient,
		spawnStagger:      defaultSpawnStagger,
		superviseInterval: opts.Config.SuperviseInterval(),
	}, nil
}

// Preflight verifies everything a run needs before any worker spawns: a
// git repository at the workspace root, a non-empty catalog, a resolvable
// builder command, a writable den, and a reachable bus when configured.
// Any failure is fatal before side effects.
func (e *Engine) Preflight(ctx context.Context) error {
	if err := vcs.NewGit(e.workDir).ValidateRepoContext(ctx); err != nil {
		return err
	}

	catalog := e.store.Catalog()
	if catalog == nil || len(catalog.Features) == 0 {
		return fmt.Errorf("catalog has no features (checked %s)", resolvePath(e.workDir, e.cfg.Paths.Catalog))
	}

	if len(e.cfg.Builder.Command) == 0 {
		return fmt.Errorf("builder.command is empty")
	}
	if _, err := exec.LookPath(e.cfg.Builder.Command[0]); err != nil {
		return fmt.Errorf("builder command %q not found in PATH: %w", e.cfg.Builder.Command[0], err)
	}

	if err := e.layout.Ensure(); err != nil {
		return fmt.Errorf("den directory is not writable: %w", err)
	}

	if e.busClient != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := e.busClient.Ping(pingCtx); err != nil {
			return fmt.Errorf("bus not reachable at %s: %w", e.cfg.Bus.RedisURL, err)
		}
	}

	return nil
}

// Run executes the full lifecycle: load state, recover dead locks, start
// the reaper and the answer inbox, spawn workers, supervise until the
// backlog drains or the context is cancelled, then write the merge plan
// and build the final report.
//
// On cancellation the report is returned with a nil error; in-progress
// claims stay claimed and the next run's reaper recovers them. A
// dependency cycle among completed features returns the report alongside
// the cycle error and no plan is written.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if err := e.layout.Ensure(); err != nil {
		return nil, fmt.Errorf("failed to prepare den directory: %w", err)
	}
	if err := e.store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	if swept, err := den.SweepDeadLocks(e.layout); err != nil {
		log.Printf("[Orchestrator] Warning: dead lock sweep failed: %v", err)
	} else if len(swept) > 0 {
		log.Printf("[Orchestrator] Recovered %d dead locks: %s", len(swept), strings.Join(swept, ", "))
	}

	if e.launcher == nil {
		launcher, err := runtime.New(ctx, e.cfg, e.configPath, e.workDir)
		if err != nil {
			return nil, err
		}
		e.launcher = launcher
	}
	if e.busClient != nil {
		defer e.busClient.Close()
	}

	counts, err := e.claims.Counts()
	if err != nil {
		return nil, err
	}
	log.Printf("[Orchestrator] Starting run: %d pending, %d in progress, %d completed, %d blocked",
		counts.Pending, counts.InProgress, counts.Completed, counts.Blocked)

	started := den.NewEvent(den.EventStarted)
	started.Counts = &counts
	e.notify(ctx, started)

	svcCtx, stopServices := context.WithCancel(ctx)
	defer stopServices()
	var services sync.WaitGroup

	services.Add(1)
	go func() {
		defer services.Done()
		e.reaper.Run(svcCtx)
	}()

	services.Add(1)
	go func() {
		defer services.Done()
		e.inbox.Run(svcCtx)
	}()

	if e.busClient != nil {
		sub, err := e.busClient.SubscribeAnswers(svcCtx)
		if err != nil {
			log.Printf("[Orchestrator] Warning: bus answer subscription failed: %v", err)
		} else {
			services.Add(1)
			go func() {
				defer services.Done()
				e.inbox.ConsumeBus(svcCtx, sub)
			}()
		}
	}

	var runErr error
	if err := e.spawnWorkers(ctx); err != nil {
		runErr = fmt.Errorf("failed to spawn workers: %w", err)
	} else {
		runErr = e.supervise(ctx)
	}

	// Workers stop before the final snapshot so no claim transition races
	// the report; the shutdown context is independent of the run context.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	if err := e.launcher.Stop(stopCtx); err != nil {
		log.Printf("[Orchestrator] Warning: worker shutdown: %v", err)
	}
	stopServices()
	services.Wait()

	report, reportErr := e.report(ctx, runErr == nil)
	if reportErr != nil {
		if runErr != nil {
			return report, runErr
		}
		return report, reportErr
	}

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		log.Printf("[Orchestrator] Run interrupted; in-progress claims will be recovered by the next run")
		return report, nil
	}
	return report, runErr
}

// spawnWorkers launches the configured worker pool, staggered so the first
// claims do not all contend on the state lock.
func (e *Engine) spawnWorkers(ctx context.Context) error {
	for i := 1; i <= e.cfg.Workers; i++ {
		if i > 1 && !sleepCtx(ctx, e.spawnStagger) {
			return ctx.Err()
		}
		id := fmt.Sprintf("worker-%d", i)
		if err := e.launcher.Launch(ctx, id); err != nil {
			return fmt.Errorf("failed to launch %s: %w", id, err)
		}
	}
	return nil
}

// supervise watches the run until the backlog drains: no pending and no
// in-progress features. If work remains and every worker has died, the
// pool is relaunched.
func (e *Engine) supervise(ctx context.Context) error {
	ticker := time.NewTicker(e.superviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		counts, err := e.claims.Counts()
		if err != nil {
			log.Printf("[Orchestrator] Warning: failed to read counts: %v", err)
			continue
		}

		if counts.Pending == 0 && counts.InProgress == 0 {
			log.Printf("[Orchestrator] Backlog drained: %d completed, %d blocked", counts.Completed, counts.Blocked)
			return nil
		}

		alive := e.launcher.Alive()
		log.Printf("[Orchestrator] %d workers live; %d pending, %d in progress, %d completed, %d blocked",
			alive, counts.Pending, counts.InProgress, counts.Completed, counts.Blocked)

		ev := den.NewEvent(den.EventProgress)
		ev.Counts = &counts
		e.notify(ctx, ev)

		if alive == 0 {
			log.Printf("[Orchestrator] No live workers with work remaining, relaunching %d", e.cfg.Workers)
			if err := e.spawnWorkers(ctx); err != nil {
				log.Printf("[Orchestrator] Warning: relaunch failed: %v", err)
			}
			continue
		}

		if counts.InProgress == 0 {
			claimable, err := e.claims.ClaimableIDs()
			if err == nil && len(claimable) == 0 {
				log.Printf("[Orchestrator] Warning: %d features are pending but none are claimable; unblock a dependency with `drey unblock` or interrupt the run",
					counts.Pending)
			}
		}
	}
}

// report snapshots the final state and, when the run drained cleanly,
// writes the merge plan.
func (e *Engine) report(ctx context.Context, drained bool) (*Report, error) {
	snapshot, err := e.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}

	report := &Report{Counts: snapshot.Counts()}
	for _, f := range snapshot.Features {
		if f.Status == den.StatusBlocked {
			report.Blocked = append(report.Blocked, BlockedFeature{ID: f.ID, Reason: f.BlockedReason})
		}
	}
	sort.Slice(report.Blocked, func(i, j int) bool { return report.Blocked[i].ID < report.Blocked[j].ID })

	if spent, err := e.gate.SpentToday(); err == nil {
		report.Spend = spent
	} else {
		log.Printf("[Orchestrator] Warning: failed to read ledger for report: %v", err)
	}

	if !drained {
		return report, nil
	}

	plan, err := mergeplan.Build(e.store.Catalog(), snapshot)
	if err != nil {
		return report, fmt.Errorf("merge planning failed: %w", err)
	}
	if err := mergeplan.Write(e.layout, plan); err != nil {
		return report, fmt.Errorf("failed to write merge plan: %w", err)
	}
	report.Plan = plan

	log.Printf("[Orchestrator] Merge plan written to %s (%d features)", e.layout.MergePlanPath(), len(plan.Items))
	e.notify(ctx, den.NewEvent(den.EventPlanReady))

	return report, nil
}

func (e *Engine) notify(ctx context.Context, ev den.Event) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		log.Printf("[Orchestrator] Warning: failed to notify %s: %v", ev.Type, err)
	}
}

func resolvePath(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// sleepCtx sleeps for d unless the context ends first. Returns false when
// the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
