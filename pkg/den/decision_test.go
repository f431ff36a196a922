package den

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) (*DecisionQueue, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	return NewDecisionQueue(testLayout(t), notifier), notifier
}

func authDecision() CreateDecision {
	return CreateDecision{
		Question:  "Which auth mechanism should the API use?",
		Options:   []string{"JWT", "Sessions"},
		Context:   "Feature auth needs a token strategy before the login endpoint can land.",
		Timeout:   time.Minute,
		Worker:    "w1",
		FeatureID: "auth",
	}
}

func TestDecisionCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("persists a pending record and notifies", func(t *testing.T) {
		queue, notifier := testQueue(t)

		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)
		require.NotEmpty(t, id)

		d, err := queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, DecisionPending, d.Status)
		assert.Equal(t, "w1", d.Worker)
		assert.Equal(t, "auth", d.FeatureID)
		assert.Equal(t, 60, d.TimeoutSeconds)
		assert.False(t, d.CreatedAt.IsZero())

		needed := notifier.byType(EventDecisionNeeded)
		require.Len(t, needed, 1)
		assert.Equal(t, id, needed[0].DecisionID)
		assert.Equal(t, []string{"JWT", "Sessions"}, needed[0].Options)
	})

	t.Run("applies the default timeout", func(t *testing.T) {
		queue, _ := testQueue(t)

		req := authDecision()
		req.Timeout = 0
		id, err := queue.Create(ctx, req)
		require.NoError(t, err)

		d, err := queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, int(DefaultDecisionTimeout/time.Second), d.TimeoutSeconds)
	})

	t.Run("rejects bad requests", func(t *testing.T) {
		queue, _ := testQueue(t)

		_, err := queue.Create(ctx, CreateDecision{Options: []string{"a"}})
		assert.Error(t, err, "empty question")

		_, err = queue.Create(ctx, CreateDecision{Question: "q?"})
		assert.Error(t, err, "no options")

		req := authDecision()
		req.DefaultAnswer = "OAuth"
		_, err = queue.Create(ctx, req)
		assert.Error(t, err, "default outside options")
	})
}

func TestDecisionGet_NotFound(t *testing.T) {
	queue, _ := testQueue(t)
	_, err := queue.Get("no-such-id")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestDecisionAnswer(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts a recorded option", func(t *testing.T) {
		queue, notifier := testQueue(t)
		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)

		require.NoError(t, queue.Answer(ctx, id, "JWT", "alice"))

		d, err := queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, DecisionAnswered, d.Status)
		assert.Equal(t, "JWT", d.Answer)
		assert.Equal(t, "alice", d.AnsweredBy)
		assert.NotNil(t, d.AnsweredAt)

		answered := notifier.byType(EventDecisionAnswered)
		require.Len(t, answered, 1)
		assert.Equal(t, "JWT", answered[0].Answer)
	})

	t.Run("rejects answers outside the options", func(t *testing.T) {
		queue, _ := testQueue(t)
		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)

		err = queue.Answer(ctx, id, "OAuth", "alice")
		assert.ErrorIs(t, err, ErrInvalidAnswer)

		d, err := queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, DecisionPending, d.Status)
	})

	t.Run("is idempotent for the identical triple only", func(t *testing.T) {
		queue, notifier := testQueue(t)
		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)

		require.NoError(t, queue.Answer(ctx, id, "JWT", "alice"))
		require.NoError(t, queue.Answer(ctx, id, "JWT", "alice"), "replaying the same triple is a no-op")

		// The replay does not re-notify.
		assert.Len(t, notifier.byType(EventDecisionAnswered), 1)

		err = queue.Answer(ctx, id, "Sessions", "bob")
		assert.ErrorIs(t, err, ErrAlreadyAnswered, "a second distinct answer is rejected")
		err = queue.Answer(ctx, id, "JWT", "bob")
		assert.ErrorIs(t, err, ErrAlreadyAnswered, "same answer from a different answerer is rejected")

		d, err := queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, "JWT", d.Answer)
		assert.Equal(t, "alice", d.AnsweredBy)
	})

	t.Run("rejects answers against closed decisions", func(t *testing.T) {
		queue, _ := testQueue(t)
		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)
		require.NoError(t, queue.Cancel(ctx, id, "feature descoped"))

		err = queue.Answer(ctx, id, "JWT", "alice")
		assert.ErrorIs(t, err, ErrDecisionClosed)
	})
}

func TestDecisionCancel(t *testing.T) {
	ctx := context.Background()
	queue, _ := testQueue(t)

	id, err := queue.Create(ctx, authDecision())
	require.NoError(t, err)

	require.NoError(t, queue.Cancel(ctx, id, "feature descoped"))

	d, err := queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, DecisionCancelled, d.Status)
	assert.Equal(t, "feature descoped", d.CancelReason)

	assert.Error(t, queue.Cancel(ctx, id, "again"))
}

func TestDecisionAwait(t *testing.T) {
	ctx := context.Background()

	t.Run("returns an already-posted answer", func(t *testing.T) {
		queue, _ := testQueue(t)
		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)
		require.NoError(t, queue.Answer(ctx, id, "JWT", "alice"))

		answer, err := queue.Await(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "JWT", answer)
	})

	t.Run("resolves when the answer arrives mid-await", func(t *testing.T) {
		queue, _ := testQueue(t)
		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)

		go func() {
			time.Sleep(500 * time.Millisecond)
			queue.Answer(context.Background(), id, "Sessions", "bob")
		}()

		answer, err := queue.Await(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Sessions", answer)
	})

	t.Run("applies the default on timeout", func(t *testing.T) {
		queue, _ := testQueue(t)
		req := authDecision()
		req.Timeout = time.Second
		req.DefaultAnswer = "JWT"
		id, err := queue.Create(ctx, req)
		require.NoError(t, err)

		answer, err := queue.Await(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "JWT", answer)

		d, err := queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, DecisionTimedOut, d.Status)
		assert.Equal(t, "JWT", d.Answer)
	})

	t.Run("reports timeout-without-default", func(t *testing.T) {
		queue, _ := testQueue(t)
		req := authDecision()
		req.Timeout = time.Second
		id, err := queue.Create(ctx, req)
		require.NoError(t, err)

		_, err = queue.Await(ctx, id)
		assert.ErrorIs(t, err, ErrDecisionTimeout)

		d, err := queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, DecisionTimedOut, d.Status)
	})

	t.Run("returns promptly on cancellation", func(t *testing.T) {
		queue, _ := testQueue(t)
		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)

		awaitCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(300 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err = queue.Await(awaitCtx, id)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("reports a cancelled decision", func(t *testing.T) {
		queue, _ := testQueue(t)
		id, err := queue.Create(ctx, authDecision())
		require.NoError(t, err)
		require.NoError(t, queue.Cancel(ctx, id, "descoped"))

		_, err = queue.Await(ctx, id)
		assert.ErrorIs(t, err, ErrDecisionCancelled)
	})
}

func TestDecisionPendingAndCleanup(t *testing.T) {
	ctx := context.Background()
	queue, _ := testQueue(t)

	first, err := queue.Create(ctx, authDecision())
	require.NoError(t, err)

	second, err := queue.Create(ctx, CreateDecision{
		Question:  "Postgres or SQLite for local dev?",
		Options:   []string{"postgres", "sqlite"},
		Timeout:   time.Minute,
		Worker:    "w2",
		FeatureID: "todos",
	})
	require.NoError(t, err)

	require.NoError(t, queue.Answer(ctx, second, "sqlite", "alice"))

	pending, err := queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first, pending[0].ID)

	// Nothing is old enough to clean yet.
	removed, err := queue.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// With a zero max age everything goes, answered or not.
	removed, err = queue.Cleanup(0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := queue.List()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
