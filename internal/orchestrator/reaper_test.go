package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/internal/budget"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/pkg/den"
)

func f64(v float64) *float64 {
	return &v
}

func newTestReaper(t *testing.T, cfg *config.Config, catalogYAML string, n den.Notifier) (*Reaper, *den.Store, *den.Claims) {
	t.Helper()
	store := newTestStore(t, cfg, catalogYAML)
	claims := den.NewClaims(store, nil, cfg.Git.BranchPrefix)
	gate := budget.NewGate(den.NewLedger(store.Layout()), cfg.Budget)
	return NewReaper(store, claims, gate, n, cfg), store, claims
}

// backdateClaim rewrites a claim's timestamp so it looks older than it is.
func backdateClaim(t *testing.T, store *den.Store, id string, age time.Duration) {
	t.Helper()
	old := time.Now().UTC().Add(-age)
	require.NoError(t, store.Mutate(context.Background(), func(doc *den.State) error {
		doc.Feature(id).ClaimedAt = &old
		return nil
	}))
}

func TestReaper_SweepReleasesStaleClaims(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Heartbeat.StaleAfterSeconds = 1
	reaper, store, claims := newTestReaper(t, cfg, pairCatalog, nil)

	// Two claims by workers that never wrote a heartbeat.
	require.NoError(t, claims.Claim(ctx, "a", "ghost-1"))
	require.NoError(t, claims.Claim(ctx, "b", "ghost-2"))
	backdateClaim(t, store, "a", time.Minute)
	backdateClaim(t, store, "b", time.Minute)

	released, blocked, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, released)
	assert.Empty(t, blocked)

	doc, err := store.Snapshot()
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		f := doc.Feature(id)
		assert.Equal(t, den.StatusPending, f.Status, "feature %s", id)
		assert.Empty(t, f.ClaimedBy, "feature %s", id)
		assert.Nil(t, f.ClaimedAt, "feature %s", id)
		// The branch assignment survives for the next claimant.
		assert.Equal(t, cfg.Git.BranchPrefix+"/"+id, f.Branch, "feature %s", id)
	}
}

func TestReaper_SweepSparesFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Heartbeat.StaleAfterSeconds = 1
	reaper, store, claims := newTestReaper(t, cfg, pairCatalog, nil)

	// An old claim whose owner is alive, just deep inside a long build.
	require.NoError(t, claims.Claim(ctx, "a", "worker-busy"))
	backdateClaim(t, store, "a", time.Minute)
	require.NoError(t, den.TouchHeartbeat(store.Layout(), "worker-busy"))

	released, blocked, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.Empty(t, blocked)

	doc, err := store.Snapshot()
	require.NoError(t, err)
	f := doc.Feature("a")
	assert.Equal(t, den.StatusInProgress, f.Status)
	assert.Equal(t, "worker-busy", f.ClaimedBy)
}

func TestReaper_SweepSparesYoungClaims(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Heartbeat.StaleAfterSeconds = 3600
	reaper, store, claims := newTestReaper(t, cfg, pairCatalog, nil)

	// Fresh claim, no heartbeat yet: age alone keeps it safe.
	require.NoError(t, claims.Claim(ctx, "a", "worker-new"))

	released, blocked, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.Empty(t, blocked)

	doc, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, den.StatusInProgress, doc.Feature("a").Status)
}

func TestReaper_SweepBlocksRepeatedCIFailures(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.CI.MaxAttempts = 2
	reaper, store, claims := newTestReaper(t, cfg, pairCatalog, nil)

	require.NoError(t, claims.UpdateCI(ctx, "a", den.CIFailed, true))
	require.NoError(t, claims.UpdateCI(ctx, "a", den.CIFailed, true))
	require.NoError(t, claims.UpdateCI(ctx, "b", den.CIFailed, true))

	released, blocked, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.Equal(t, []string{"a"}, blocked)

	doc, err := store.Snapshot()
	require.NoError(t, err)
	a := doc.Feature("a")
	assert.Equal(t, den.StatusBlocked, a.Status)
	assert.Equal(t, "CI failed 2 times", a.BlockedReason)

	// One failure left before the limit.
	assert.Equal(t, den.StatusPending, doc.Feature("b").Status)
}

func TestReaper_RunSweepsOnCadence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.Heartbeat.StaleAfterSeconds = 1
	reaper, store, claims := newTestReaper(t, cfg, pairCatalog, nil)
	reaper.interval = 20 * time.Millisecond

	require.NoError(t, claims.Claim(ctx, "a", "ghost-1"))
	backdateClaim(t, store, "a", time.Minute)

	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		doc, err := store.Snapshot()
		return err == nil && doc.Feature("a").Status == den.StatusPending
	}, 10*time.Second, 10*time.Millisecond, "stale claim was never swept")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestReaper_RunSuspendsWhileOverBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &eventRecorder{}
	cfg := testConfig(t)
	cfg.Heartbeat.StaleAfterSeconds = 1
	cfg.Budget.MaxDailyCost = f64(0.01)
	reaper, store, claims := newTestReaper(t, cfg, pairCatalog, rec)
	reaper.interval = 20 * time.Millisecond
	reaper.cooldown = time.Hour

	// Spend well past the cap, and leave a stale claim the reaper would
	// normally release.
	ledger := den.NewLedger(store.Layout())
	require.NoError(t, ledger.Append(ctx, den.LedgerEntry{
		WorkerID: "seed", FeatureID: "seed", TokensIn: 1, TokensOut: 1, Cost: 1.0,
	}))
	require.NoError(t, claims.Claim(ctx, "a", "ghost-1"))
	backdateClaim(t, store, "a", time.Minute)

	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	// The suspension is announced over the bus.
	require.Eventually(t, func() bool {
		for _, ev := range rec.all() {
			if ev.Type == den.EventCost {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond, "no cost event emitted")

	events := rec.all()
	var cost *den.Event
	for i := range events {
		if events[i].Type == den.EventCost {
			cost = &events[i]
			break
		}
	}
	require.NotNil(t, cost)
	assert.InDelta(t, 1.0, cost.Cost, 0.0001)
	assert.InDelta(t, 0.01, cost.Cap, 0.0001)

	// No sweeping while suspended: the stale claim stays put.
	doc, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, den.StatusInProgress, doc.Feature("a").Status)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}
