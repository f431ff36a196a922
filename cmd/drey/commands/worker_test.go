package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/testutil"
	"github.com/dyluth/drey/pkg/den"
)

// soloCatalog has a single feature so a blocked outcome leaves nothing
// pending and the worker exits on its own.
const soloCatalog = `features:
  - id: auth
    name: Authentication layer
    priority: 1
    workflow_type: direct
`

// openProjectStore loads the den of the current directory's project the way
// the commands do.
func openProjectStore(t *testing.T) *den.Store {
	t.Helper()
	cfg, err := config.Load(config.DefaultPath)
	require.NoError(t, err)
	catalog, err := den.LoadCatalog(cfg.Paths.Catalog)
	require.NoError(t, err)
	return den.NewStore(cfg.Layout(), catalog)
}

func TestWorkerCommand_RequiresID(t *testing.T) {
	err := runCLI("worker")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "id" not set`)
}

func TestWorkerCommand_MissingConfig(t *testing.T) {
	chdir(t, t.TempDir())

	err := runCLI("worker", "--id", "worker-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found or invalid")
}

// TestWorkerCommand_DrainsBacklog runs the real worker mode end to end: the
// stub builder completes whatever the prompt names, so one worker should walk
// the dependency chain, branch per feature, and exit with everything done.
func TestWorkerCommand_DrainsBacklog(t *testing.T) {
	w := testutil.NewWorkspace(t)
	builderPath := w.StubBuilder(testutil.CompletingBuilder())
	w.WriteConfig(testutil.RunConfig(builderPath, 1))
	w.WriteCatalog(testutil.TwoFeatureCatalog())
	w.Commit("drey project files")
	w.Chdir()

	err := runCLI("worker", "--id", "worker-1")
	require.NoError(t, err)

	store := openProjectStore(t)
	state, err := store.Snapshot()
	require.NoError(t, err)

	for _, id := range []string{"auth", "todos"} {
		f := state.Feature(id)
		require.NotNil(t, f, "feature %s missing from state", id)
		assert.Equal(t, den.StatusCompleted, f.Status, "feature %s", id)
		assert.NotNil(t, f.CompletedAt, "feature %s", id)
		assert.Empty(t, f.ClaimedBy, "feature %s", id)
		assert.Equal(t, "feature/"+id, f.Branch)

		w.Git("rev-parse", "--verify", "feature/"+id)
	}

	// One ledger entry per builder iteration.
	entries, err := den.NewLedger(store.Layout()).Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	worked := make(map[string]bool)
	for _, e := range entries {
		assert.Equal(t, "worker-1", e.WorkerID)
		worked[e.FeatureID] = true
	}
	assert.True(t, worked["auth"])
	assert.True(t, worked["todos"])

	_, err = den.LastHeartbeat(store.Layout(), "worker-1")
	assert.NoError(t, err, "worker should have left a heartbeat")
}

// TestWorkerCommand_BlocksWhenBuilderCannotProceed drives the blocked path
// through the real builder plumbing: the stub reports BLOCKED with a reason,
// and the worker records it and exits.
func TestWorkerCommand_BlocksWhenBuilderCannotProceed(t *testing.T) {
	const reason = "needs an API key for the payments sandbox"

	w := testutil.NewWorkspace(t)
	builderPath := w.StubBuilder(testutil.BlockingBuilder(reason))
	w.WriteConfig(testutil.RunConfig(builderPath, 1))
	w.WriteCatalog(soloCatalog)
	w.Commit("drey project files")
	w.Chdir()

	err := runCLI("worker", "--id", "worker-1")
	require.NoError(t, err)

	store := openProjectStore(t)
	state, err := store.Snapshot()
	require.NoError(t, err)

	f := state.Feature("auth")
	require.NotNil(t, f)
	assert.Equal(t, den.StatusBlocked, f.Status)
	assert.Equal(t, reason, f.BlockedReason)
	assert.Empty(t, f.ClaimedBy)

	// The branch was prepared before the builder ran and survives the block.
	w.Git("rev-parse", "--verify", "feature/auth")
}

// TestWorkerCommand_BlocksAfterMaxIterations exhausts the iteration limit
// with a builder that never prints a marker.
func TestWorkerCommand_BlocksAfterMaxIterations(t *testing.T) {
	w := testutil.NewWorkspace(t)
	builderPath := w.StubBuilder(testutil.SilentBuilder())
	w.WriteConfig(testutil.RunConfig(builderPath, 1))
	w.WriteCatalog(soloCatalog)
	w.Commit("drey project files")
	w.Chdir()

	err := runCLI("worker", "--id", "worker-1")
	require.NoError(t, err)

	store := openProjectStore(t)
	state, err := store.Snapshot()
	require.NoError(t, err)

	f := state.Feature("auth")
	require.NotNil(t, f)
	assert.Equal(t, den.StatusBlocked, f.Status)
	assert.Equal(t, "Max iterations reached", f.BlockedReason)

	// Every iteration is metered, marker or not.
	entries, err := den.NewLedger(store.Layout()).Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
