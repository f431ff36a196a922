package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/drey/internal/budget"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/pkg/den"
)

// Reaper recovers claims abandoned by dead workers and blocks features
// whose CI has failed too many times. A claim is reaped only when both its
// age and the owner's heartbeat say the worker is gone; a worker that has
// merely been busy inside a long builder call keeps its claim.
type Reaper struct {
	store    *den.Store
	claims   *den.Claims
	gate     *budget.Gate
	notifier den.Notifier

	interval      time.Duration
	staleAfter    time.Duration
	maxCIAttempts int
	cooldown      time.Duration
}

// NewReaper creates a reaper over the given store and claims.
func NewReaper(store *den.Store, claims *den.Claims, gate *budget.Gate, notifier den.Notifier, cfg *config.Config) *Reaper {
	return &Reaper{
		store:         store,
		claims:        claims,
		gate:          gate,
		notifier:      notifier,
		interval:      cfg.HeartbeatInterval(),
		staleAfter:    cfg.StaleAfter(),
		maxCIAttempts: cfg.CI.MaxAttempts,
		cooldown:      cfg.BudgetCooldown(),
	}
}

// Run sweeps on a fixed cadence until the context ends. While the run is
// over budget the reaper suspends instead of sweeping, so no state changes
// happen during a budget pause.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, spent, err := r.gate.WithinBudget()
		if err != nil {
			log.Printf("[Reaper] Warning: budget check failed: %v", err)
		} else if !ok {
			log.Printf("[Reaper] Daily spend $%.2f has reached the $%.2f cap, suspending for %s",
				spent, r.gate.DailyCap(), r.cooldown)
			ev := den.NewEvent(den.EventCost)
			ev.Cost = spent
			ev.Cap = r.gate.DailyCap()
			r.notify(ctx, ev)
			if !sleepCtx(ctx, r.cooldown) {
				return
			}
			continue
		}

		if released, blocked, err := r.Sweep(ctx); err != nil {
			log.Printf("[Reaper] Warning: sweep failed: %v", err)
		} else if len(released)+len(blocked) > 0 {
			log.Printf("[Reaper] Sweep done: %d claims released, %d features blocked", len(released), len(blocked))
		}
	}
}

// Sweep performs one pass over the state document. It releases every
// in-progress claim whose age exceeds the stale threshold while the owning
// worker's heartbeat is also stale, and blocks every feature whose CI has
// failed maxCIAttempts times. Returns the ids released and blocked.
func (r *Reaper) Sweep(ctx context.Context) (released, blocked []string, err error) {
	snapshot, err := r.store.Snapshot()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read state: %w", err)
	}

	now := time.Now().UTC()
	for _, f := range snapshot.Features {
		if f.Status != den.StatusInProgress || f.ClaimedAt == nil {
			continue
		}
		if now.Sub(*f.ClaimedAt) <= r.staleAfter {
			continue
		}
		if den.HeartbeatFresh(r.store.Layout(), f.ClaimedBy, r.staleAfter) {
			continue
		}

		log.Printf("[Reaper] Claim on %s is stale (claimed by %s at %s, no fresh heartbeat), releasing",
			f.ID, f.ClaimedBy, f.ClaimedAt.Format(time.RFC3339))
		if err := r.claims.Release(ctx, f.ID, "stale"); err != nil {
			log.Printf("[Reaper] Warning: failed to release %s: %v", f.ID, err)
			continue
		}
		released = append(released, f.ID)
	}

	for _, f := range snapshot.Features {
		if f.Status != den.StatusPending && f.Status != den.StatusInProgress {
			continue
		}
		if f.CIStatus != den.CIFailed || f.CIAttempts < r.maxCIAttempts {
			continue
		}

		reason := fmt.Sprintf("CI failed %d times", f.CIAttempts)
		log.Printf("[Reaper] Blocking %s: %s", f.ID, reason)
		if err := r.claims.Block(ctx, f.ID, reason); err != nil {
			log.Printf("[Reaper] Warning: failed to block %s: %v", f.ID, err)
			continue
		}
		blocked = append(blocked, f.ID)
	}

	return released, blocked, nil
}

func (r *Reaper) notify(ctx context.Context, ev den.Event) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, ev); err != nil {
		log.Printf("[Reaper] Warning: failed to notify %s: %v", ev.Type, err)
	}
}
