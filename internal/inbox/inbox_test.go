package inbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/den"
)

func testInbox(t *testing.T) (*Inbox, *den.DecisionQueue, den.Layout) {
	t.Helper()

	layout := den.NewLayout(filepath.Join(t.TempDir(), ".drey"))
	require.NoError(t, layout.Ensure())

	queue := den.NewDecisionQueue(layout, nil)
	return New(queue, layout), queue, layout
}

func createDecision(t *testing.T, queue *den.DecisionQueue) string {
	t.Helper()

	id, err := queue.Create(context.Background(), den.CreateDecision{
		Question:  "Which auth scheme?",
		Options:   []string{"JWT", "Sessions"},
		Worker:    "worker-1",
		FeatureID: "auth",
	})
	require.NoError(t, err)
	return id
}

func dropAnswer(t *testing.T, layout den.Layout, name string, a bus.Answer) {
	t.Helper()

	data, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(layout.AnswersDir(), name), data, 0644))
}

func TestSweep_AppliesAnswerFile(t *testing.T) {
	inbox, queue, layout := testInbox(t)
	id := createDecision(t, queue)

	dropAnswer(t, layout, "a1.json", bus.Answer{DecisionID: id, Answer: "JWT", AnsweredBy: "sam"})

	applied, err := inbox.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	d, err := queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, den.DecisionAnswered, d.Status)
	assert.Equal(t, "JWT", d.Answer)
	assert.Equal(t, "sam", d.AnsweredBy)

	entries, err := os.ReadDir(layout.AnswersDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "applied answer file must be removed")
}

func TestSweep_EmptyInbox(t *testing.T) {
	inbox, _, _ := testInbox(t)

	applied, err := inbox.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

func TestSweep_DiscardsMalformedFile(t *testing.T) {
	inbox, queue, layout := testInbox(t)
	id := createDecision(t, queue)

	require.NoError(t, os.WriteFile(filepath.Join(layout.AnswersDir(), "bad.json"), []byte("not json"), 0644))

	applied, err := inbox.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	d, err := queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, den.DecisionPending, d.Status)

	entries, err := os.ReadDir(layout.AnswersDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "malformed file must not be retried forever")
}

func TestSweep_DiscardsUnknownDecision(t *testing.T) {
	inbox, _, layout := testInbox(t)

	dropAnswer(t, layout, "a1.json", bus.Answer{DecisionID: "no-such-id", Answer: "JWT", AnsweredBy: "sam"})

	applied, err := inbox.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	entries, err := os.ReadDir(layout.AnswersDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweep_DiscardsInvalidOption(t *testing.T) {
	inbox, queue, layout := testInbox(t)
	id := createDecision(t, queue)

	dropAnswer(t, layout, "a1.json", bus.Answer{DecisionID: id, Answer: "OAuth", AnsweredBy: "sam"})

	applied, err := inbox.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	d, err := queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, den.DecisionPending, d.Status, "invalid option must not resolve the decision")
}

func TestSweep_ReplayIsIdempotent(t *testing.T) {
	inbox, queue, layout := testInbox(t)
	id := createDecision(t, queue)

	require.NoError(t, queue.Answer(context.Background(), id, "JWT", "sam"))

	// The same (id, answer, answerer) triple arriving again is a no-op apply.
	dropAnswer(t, layout, "replay.json", bus.Answer{DecisionID: id, Answer: "JWT", AnsweredBy: "sam"})

	applied, err := inbox.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	d, err := queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "JWT", d.Answer)
}

func TestSweep_DiscardsConflictingSecondAnswer(t *testing.T) {
	inbox, queue, layout := testInbox(t)
	id := createDecision(t, queue)

	require.NoError(t, queue.Answer(context.Background(), id, "JWT", "sam"))

	dropAnswer(t, layout, "conflict.json", bus.Answer{DecisionID: id, Answer: "Sessions", AnsweredBy: "alex"})

	applied, err := inbox.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	d, err := queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "JWT", d.Answer, "first answer wins")

	entries, err := os.ReadDir(layout.AnswersDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweep_IgnoresForeignFiles(t *testing.T) {
	inbox, _, layout := testInbox(t)

	require.NoError(t, os.WriteFile(filepath.Join(layout.AnswersDir(), "README"), []byte("notes"), 0644))

	applied, err := inbox.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	entries, err := os.ReadDir(layout.AnswersDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "non-json files are left alone")
}

func TestRun_AppliesDroppedFile(t *testing.T) {
	inbox, queue, layout := testInbox(t)
	inbox.interval = 20 * time.Millisecond
	id := createDecision(t, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		inbox.Run(ctx)
	}()

	dropAnswer(t, layout, "a1.json", bus.Answer{DecisionID: id, Answer: "Sessions", AnsweredBy: "sam"})

	require.Eventually(t, func() bool {
		d, err := queue.Get(id)
		return err == nil && d.Status == den.DecisionAnswered
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestConsumeBus_AppliesPublishedAnswer(t *testing.T) {
	inbox, queue, _ := testInbox(t)
	id := createDecision(t, queue)

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := bus.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := client.SubscribeAnswers(ctx)
	require.NoError(t, err)
	defer sub.Close()

	go inbox.ConsumeBus(ctx, sub)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.PublishAnswer(ctx, bus.Answer{
		DecisionID: id, Answer: "JWT", AnsweredBy: "sam",
	}))

	require.Eventually(t, func() bool {
		d, err := queue.Get(id)
		return err == nil && d.Status == den.DecisionAnswered && d.Answer == "JWT"
	}, 3*time.Second, 20*time.Millisecond)
}
