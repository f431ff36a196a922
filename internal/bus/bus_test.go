package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/pkg/den"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "drey:payments:events", EventsChannel("payments"))
	assert.Equal(t, "drey:payments:answers", AnswersChannel("payments"))
}

func TestParseURL(t *testing.T) {
	opts, err := ParseURL("redis://localhost:6379/2")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)

	_, err = ParseURL("not a url")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis url")
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.instanceName)
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)

	err := client.Ping(context.Background())
	assert.NoError(t, err)
}

func TestAnswerValidate(t *testing.T) {
	valid := Answer{DecisionID: "d-1", Answer: "JWT", AnsweredBy: "sam"}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		answer Answer
	}{
		{"missing decision_id", Answer{Answer: "JWT", AnsweredBy: "sam"}},
		{"missing answer", Answer{DecisionID: "d-1", AnsweredBy: "sam"}},
		{"missing answered_by", Answer{DecisionID: "d-1", Answer: "JWT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.answer.Validate())
		})
	}
}

func TestPublishAndSubscribeEvents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// Give the subscription a moment to register with redis.
	time.Sleep(50 * time.Millisecond)

	ev := den.NewEvent(den.EventClaimed)
	ev.WorkerID = "worker-1"
	ev.FeatureID = "auth"
	require.NoError(t, client.PublishEvent(ctx, ev))

	select {
	case got := <-sub.Events():
		require.NotNil(t, got)
		assert.Equal(t, den.EventClaimed, got.Type)
		assert.Equal(t, "worker-1", got.WorkerID)
		assert.Equal(t, "auth", got.FeatureID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishAndSubscribeAnswers(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeAnswers(ctx)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(50 * time.Millisecond)

	answer := Answer{DecisionID: "d-42", Answer: "Sessions", AnsweredBy: "sam"}
	require.NoError(t, client.PublishAnswer(ctx, answer))

	select {
	case got := <-sub.Answers():
		require.NotNil(t, got)
		assert.Equal(t, "d-42", got.DecisionID)
		assert.Equal(t, "Sessions", got.Answer)
		assert.Equal(t, "sam", got.AnsweredBy)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for answer")
	}
}

func TestPublishAnswer_RejectsInvalid(t *testing.T) {
	client, _ := setupTestClient(t)

	err := client.PublishAnswer(context.Background(), Answer{DecisionID: "d-1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid answer")
}

func TestSubscribeAnswers_SkipsMalformedMessages(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeAnswers(ctx)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(50 * time.Millisecond)

	// Raw garbage on the channel must surface on Errors, not Answers.
	mr.Publish(AnswersChannel("test-instance"), "not json")

	select {
	case err := <-sub.Errors():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error")
	}

	// A valid answer afterwards still gets through.
	require.NoError(t, client.PublishAnswer(ctx, Answer{
		DecisionID: "d-1", Answer: "JWT", AnsweredBy: "sam",
	}))

	select {
	case got := <-sub.Answers():
		assert.Equal(t, "d-1", got.DecisionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for answer after error")
	}
}

func TestSubscription_ContextCancelClosesChannels(t *testing.T) {
	client, _ := setupTestClient(t)

	cancelCtx, cancel := context.WithCancel(context.Background())
	sub, err := client.SubscribeEvents(cancelCtx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	client, _ := setupTestClient(t)

	sub, err := client.SubscribeAnswers(context.Background())
	require.NoError(t, err)

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}

func TestInstanceIsolation(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client1, err := NewClient(&redis.Options{Addr: mr.Addr()}, "run-1")
	require.NoError(t, err)
	t.Cleanup(func() { client1.Close() })

	client2, err := NewClient(&redis.Options{Addr: mr.Addr()}, "run-2")
	require.NoError(t, err)
	t.Cleanup(func() { client2.Close() })

	ctx := context.Background()
	sub2, err := client2.SubscribeEvents(ctx)
	require.NoError(t, err)
	defer sub2.Close()

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, client1.PublishEvent(ctx, den.NewEvent(den.EventStarted)))

	select {
	case ev := <-sub2.Events():
		t.Fatalf("run-2 subscriber received run-1 event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
		// No crosstalk between instances.
	}
}
