//go:build integration

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/drey/pkg/den"
)

// startRedis runs a disposable redis container and returns its URL. The
// miniredis tests cover client behavior; these verify it against a real
// server's Pub/Sub engine.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

func integrationClient(t *testing.T, url, instance string) *Client {
	t.Helper()
	opts, err := ParseURL(url)
	require.NoError(t, err)
	client, err := NewClient(opts, instance)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIntegration_EventStreamOrder(t *testing.T) {
	url := startRedis(t)
	client := integrationClient(t, url, "integration")
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	sub, err := client.SubscribeEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(200 * time.Millisecond)

	const n = 20
	for i := 0; i < n; i++ {
		ev := den.NewEvent(den.EventClaimed)
		ev.WorkerID = "worker-1"
		ev.FeatureID = fmt.Sprintf("feature-%02d", i)
		require.NoError(t, client.PublishEvent(ctx, ev))
	}

	// A single publisher's events arrive in publish order.
	for i := 0; i < n; i++ {
		select {
		case got := <-sub.Events():
			require.NotNil(t, got)
			assert.Equal(t, fmt.Sprintf("feature-%02d", i), got.FeatureID)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func TestIntegration_AnswerCrossClient(t *testing.T) {
	url := startRedis(t)
	worker := integrationClient(t, url, "integration")
	operator := integrationClient(t, url, "integration")
	ctx := context.Background()

	sub, err := worker.SubscribeAnswers(ctx)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(200 * time.Millisecond)

	answer := Answer{DecisionID: "d-7", Answer: "JWT", AnsweredBy: "sam"}
	require.NoError(t, operator.PublishAnswer(ctx, answer))

	select {
	case got := <-sub.Answers():
		require.NotNil(t, got)
		assert.Equal(t, "d-7", got.DecisionID)
		assert.Equal(t, "JWT", got.Answer)
		assert.Equal(t, "sam", got.AnsweredBy)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for answer")
	}
}
