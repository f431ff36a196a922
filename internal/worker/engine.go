// Package worker implements the per-worker loop: claim a feature, drive the
// external builder over it, and commit a terminal outcome to the den.
//
// A run launches one Engine per worker process. Engines never talk to each
// other; all coordination goes through the shared den, so a worker crashing
// mid-feature leaves a claim the reaper recovers once its heartbeat goes
// stale.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/drey/internal/budget"
	"github.com/dyluth/drey/internal/builder"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/vcs"
	"github.com/dyluth/drey/pkg/den"
)

// defaultIterationPause separates builder iterations that produced no
// terminal marker.
const defaultIterationPause = 2 * time.Second

// Options carries the collaborators a worker engine needs.
type Options struct {
	ID       string          // worker id, unique within the run
	WorkDir  string          // where the builder runs, normally the repository root
	Config   *config.Config  // validated run configuration
	Store    *den.Store      // loaded state store
	Builder  builder.Builder // external builder
	VCS      vcs.VCS         // branch operations
	Notifier den.Notifier    // claim and decision events; nil means none
}

// Engine is one worker. It claims features, invokes the builder up to the
// configured iteration limit, and records the outcome as a state transition.
// Terminal outcomes are always transitions (completed or blocked), never
// crashes; iteration-level failures are absorbed and the loop continues.
type Engine struct {
	id      string
	workDir string

	cfg       *config.Config
	store     *den.Store
	layout    den.Layout
	claims    *den.Claims
	decisions *den.DecisionQueue
	gate      *budget.Gate
	builder   builder.Builder
	vcs       vcs.VCS

	claimPoll      time.Duration
	iterationPause time.Duration
	cooldown       time.Duration
}

// New wires a worker engine over a loaded store.
func New(opts Options) (*Engine, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("worker id cannot be empty")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("builder is required")
	}
	if opts.VCS == nil {
		return nil, fmt.Errorf("vcs is required")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}

	layout := opts.Store.Layout()
	gate := budget.NewGate(den.NewLedger(layout), opts.Config.Budget)

	return &Engine{
		id:        opts.ID,
		workDir:   opts.WorkDir,
		cfg:       opts.Config,
		store:     opts.Store,
		layout:    layout,
		claims:    den.NewClaims(opts.Store, opts.Notifier, opts.Config.Git.BranchPrefix),
		decisions: den.NewDecisionQueue(layout, opts.Notifier),
		gate:      gate,
		builder:   opts.Builder,
		vcs:       opts.VCS,

		claimPoll:      opts.Config.ClaimPoll(),
		iterationPause: defaultIterationPause,
		cooldown:       gate.Cooldown(),
	}, nil
}

// Run executes the worker loop until the context ends or no work remains.
// Each pass checks the budget, claims the best available feature, and works
// it to a terminal outcome. The loop exits cleanly once nothing is pending
// or in progress; on cancellation the current claim stays in_progress for
// the reaper to recover.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[Worker %s] Starting (max %d iterations per feature)", e.id, e.cfg.Iterations.MaxPerFeature)

	beaconCtx, stopBeacon := context.WithCancel(ctx)
	defer stopBeacon()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		den.NewBeacon(e.layout, e.id, e.cfg.HeartbeatInterval()).Run(beaconCtx)
	}()
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			log.Printf("[Worker %s] Shutting down", e.id)
			return nil
		}

		if !e.awaitBudget(ctx) {
			return nil
		}

		id, err := e.claims.ClaimNext(ctx, e.id)
		switch {
		case err == nil:
			e.work(ctx, id)

		case den.IsEmpty(err):
			counts, cerr := e.claims.Counts()
			if cerr == nil && counts.Pending == 0 && counts.InProgress == 0 {
				log.Printf("[Worker %s] No work remaining (%d completed, %d blocked), exiting",
					e.id, counts.Completed, counts.Blocked)
				return nil
			}
			if !sleepCtx(ctx, e.claimPoll) {
				return nil
			}

		case den.IsUnavailable(err):
			// Lost a claim race; another pass picks the next candidate.

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil

		default:
			log.Printf("[Worker %s] Warning: claim attempt failed: %v", e.id, err)
			if !sleepCtx(ctx, e.claimPoll) {
				return nil
			}
		}
	}
}

// work drives the feature loop for one claimed feature, up to the configured
// iteration limit. The first terminal marker in a transcript decides the
// outcome; a loop that exhausts its iterations without one blocks the
// feature.
func (e *Engine) work(ctx context.Context, id string) {
	feature := e.store.Catalog().Feature(id)
	if feature == nil {
		e.release(ctx, id, "feature missing from catalog")
		return
	}

	branch, err := e.claimedBranch(id)
	if err != nil {
		log.Printf("[Worker %s] Warning: %v", e.id, err)
		e.release(ctx, id, "failed to read claimed branch")
		return
	}

	log.Printf("[Worker %s] Working on %s (branch %s)", e.id, id, branch)

	if err := e.vcs.EnsureBranch(ctx, branch, e.cfg.Git.DefaultBranch); err != nil {
		log.Printf("[Worker %s] Warning: failed to prepare branch %s: %v", e.id, branch, err)
		e.release(ctx, id, fmt.Sprintf("failed to prepare branch %s", branch))
		return
	}

	maxIterations := e.cfg.Iterations.MaxPerFeature
	var answered *AnsweredDecision

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if ctx.Err() != nil {
			// Claim stays in_progress; the reaper recovers it.
			return
		}

		if err := den.TouchHeartbeat(e.layout, e.id); err != nil {
			log.Printf("[Worker %s] Warning: %v", e.id, err)
		}
		if !e.awaitBudget(ctx) {
			return
		}

		prompt := TaskPrompt(PromptData{
			Feature:       feature,
			Catalog:       e.store.Catalog(),
			Branch:        branch,
			Iteration:     iteration,
			MaxIterations: maxIterations,
			Decision:      answered,
		})
		answered = nil

		res, err := e.builder.Build(ctx, builder.Request{FeatureID: id, Prompt: prompt, WorkDir: e.workDir})
		if res != nil {
			e.record(ctx, id, res)
		}
		if err != nil {
			log.Printf("[Worker %s] Warning: builder iteration %d for %s failed: %v", e.id, iteration, id, err)
			if !sleepCtx(ctx, e.iterationPause) {
				return
			}
			continue
		}

		marker := ScanMarkers(res.Stdout+"\n"+res.Stderr, id)
		switch marker.Outcome {
		case OutcomeComplete:
			prURL, _ := e.vcs.PRURLForCurrentBranch(ctx)
			if err := e.claims.Complete(ctx, id, prURL); err != nil {
				log.Printf("[Worker %s] Warning: failed to complete %s: %v", e.id, id, err)
			}
			return

		case OutcomeBlocked:
			if req, ok := ParseDecisionRequest(marker.Reason); ok {
				answer, derr := e.resolveDecision(ctx, id, req)
				if derr == nil {
					answered = &AnsweredDecision{Question: req.Question, Answer: answer}
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Worker %s] Decision for %s failed: %v", e.id, id, derr)
				e.block(ctx, id, marker.Reason)
				return
			}
			reason := marker.Reason
			if reason == "" {
				reason = "builder reported blocked without a reason"
			}
			e.block(ctx, id, reason)
			return

		case OutcomeStuck:
			e.block(ctx, id, fmt.Sprintf("Stuck after %d iterations", iteration))
			return
		}

		if !sleepCtx(ctx, e.iterationPause) {
			return
		}
	}

	e.block(ctx, id, "Max iterations reached")
}

// resolveDecision raises the parsed question in the decision queue and
// blocks until it resolves. The answerer lives in another process; the
// decision record file is the rendezvous point.
func (e *Engine) resolveDecision(ctx context.Context, featureID string, req DecisionRequest) (string, error) {
	decisionID, err := e.decisions.Create(ctx, den.CreateDecision{
		Question:      req.Question,
		Options:       req.Options,
		DefaultAnswer: req.Default,
		Timeout:       e.cfg.DecisionTimeout(),
		Worker:        e.id,
		FeatureID:     featureID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to raise decision: %w", err)
	}

	log.Printf("[Worker %s] Awaiting decision %s: %s", e.id, decisionID, req.Question)
	answer, err := e.decisions.Await(ctx, decisionID)
	if err != nil {
		return "", err
	}
	log.Printf("[Worker %s] Decision %s resolved: %s", e.id, decisionID, answer)
	return answer, nil
}

// awaitBudget blocks while the daily spend is at or over the cap, sleeping
// one cooldown between re-checks. State is never mutated while suspended.
// Returns false when the context ended during the wait.
func (e *Engine) awaitBudget(ctx context.Context) bool {
	for {
		ok, spent, err := e.gate.WithinBudget()
		if err != nil {
			log.Printf("[Worker %s] Warning: budget check failed: %v", e.id, err)
			return true
		}
		if ok {
			return true
		}
		log.Printf("[Worker %s] Daily spend $%.2f has reached the $%.2f cap, suspending for %s",
			e.id, spent, e.gate.DailyCap(), e.cooldown)
		if !sleepCtx(ctx, e.cooldown) {
			return false
		}
	}
}

// record appends the iteration's token usage to the ledger.
func (e *Engine) record(ctx context.Context, featureID string, res *builder.Result) {
	cost, err := e.gate.Record(ctx, e.id, featureID, res.TokensIn, res.TokensOut)
	if err != nil {
		log.Printf("[Worker %s] Warning: failed to record cost for %s: %v", e.id, featureID, err)
		return
	}
	log.Printf("[Worker %s] Recorded $%.4f for %s (%d tokens in, %d out)",
		e.id, cost, featureID, res.TokensIn, res.TokensOut)
}

// claimedBranch reads the branch the claim recorded for the feature.
func (e *Engine) claimedBranch(id string) (string, error) {
	doc, err := e.store.Snapshot()
	if err != nil {
		return "", fmt.Errorf("failed to read state for %s: %w", id, err)
	}
	f := doc.Feature(id)
	if f == nil {
		return "", fmt.Errorf("feature %s missing from state", id)
	}
	return f.Branch, nil
}

func (e *Engine) release(ctx context.Context, id, reason string) {
	if err := e.claims.Release(ctx, id, reason); err != nil {
		log.Printf("[Worker %s] Warning: failed to release %s: %v", e.id, id, err)
	}
}

func (e *Engine) block(ctx context.Context, id, reason string) {
	log.Printf("[Worker %s] Blocking %s: %s", e.id, id, reason)
	if err := e.claims.Block(ctx, id, reason); err != nil {
		log.Printf("[Worker %s] Warning: failed to block %s: %v", e.id, id, err)
	}
}

// sleepCtx pauses for d unless the context ends first. Returns false when
// the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
