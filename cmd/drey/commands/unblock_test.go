package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/pkg/den"
)

func TestUnblockCommand_ReturnsFeatureToPending(t *testing.T) {
	store := seedProject(t)

	claims := den.NewClaims(store, nil, "feature")
	require.NoError(t, claims.Block(context.Background(), "auth", "waiting on credentials"))

	err := runCLI("unblock", "auth")
	require.NoError(t, err)

	state, err := store.Snapshot()
	require.NoError(t, err)
	f := state.Feature("auth")
	require.NotNil(t, f)
	assert.Equal(t, den.StatusPending, f.Status)
	assert.Empty(t, f.BlockedReason)
}

func TestUnblockCommand_RejectsNonBlockedFeature(t *testing.T) {
	seedProject(t)

	err := runCLI("unblock", "todos")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not unblock feature")
}

func TestUnblockCommand_RequiresFeatureArg(t *testing.T) {
	err := runCLI("unblock")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}
