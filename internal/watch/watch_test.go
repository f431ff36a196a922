package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/den"
)

func TestParseOutputFormat(t *testing.T) {
	for _, valid := range []string{"default", "json"} {
		format, err := ParseOutputFormat(valid)
		require.NoError(t, err)
		assert.Equal(t, OutputFormat(valid), format)
	}

	_, err := ParseOutputFormat("yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "yaml")
}

// TestDefaultFormatter checks the human-readable line for every event type.
func TestDefaultFormatter(t *testing.T) {
	counts := &den.Counts{Pending: 2, InProgress: 1, Completed: 3, Blocked: 0}

	tests := []struct {
		name     string
		event    den.Event
		expected string
	}{
		{
			name:     "started",
			event:    den.Event{Type: den.EventStarted, Counts: counts},
			expected: "🚀 Run Started: 2 pending, 1 in progress, 3 completed, 0 blocked",
		},
		{
			name:     "claimed",
			event:    den.Event{Type: den.EventClaimed, FeatureID: "auth", WorkerID: "worker-1"},
			expected: "🔖 Claimed: feature=auth by=worker-1",
		},
		{
			name:     "completed with PR",
			event:    den.Event{Type: den.EventCompleted, FeatureID: "auth", WorkerID: "worker-1", PRURL: "https://github.com/acme/todo/pull/7"},
			expected: "✅ Completed: feature=auth by=worker-1 pr=https://github.com/acme/todo/pull/7",
		},
		{
			name:     "completed without PR",
			event:    den.Event{Type: den.EventCompleted, FeatureID: "auth", WorkerID: "worker-1"},
			expected: "✅ Completed: feature=auth by=worker-1",
		},
		{
			name:     "blocked",
			event:    den.Event{Type: den.EventBlocked, FeatureID: "todos", Reason: "needs schema decision"},
			expected: "🚫 Blocked: feature=todos reason=needs schema decision",
		},
		{
			name:     "released",
			event:    den.Event{Type: den.EventReleased, FeatureID: "todos", WorkerID: "worker-2", Reason: "stale heartbeat"},
			expected: "🔄 Released: feature=todos from=worker-2 reason=stale heartbeat",
		},
		{
			name: "decision needed",
			event: den.Event{
				Type:       den.EventDecisionNeeded,
				DecisionID: "0a1b2c3d-4e5f-6789-abcd-ef0123456789",
				FeatureID:  "auth",
				Question:   "JWT or sessions?",
				Options:    []string{"jwt", "sessions"},
			},
			expected: `❓ Decision Needed: id=0a1b2c3d feature=auth question="JWT or sessions?" options=jwt | sessions`,
		},
		{
			name: "decision answered",
			event: den.Event{
				Type:       den.EventDecisionAnswered,
				DecisionID: "0a1b2c3d-4e5f-6789-abcd-ef0123456789",
				Answer:     "jwt",
				WorkerID:   "sam",
			},
			expected: `💬 Decision Answered: id=0a1b2c3d answer="jwt" by=sam`,
		},
		{
			name:     "progress",
			event:    den.Event{Type: den.EventProgress, Counts: counts},
			expected: "📊 Progress: 2 pending, 1 in progress, 3 completed, 0 blocked",
		},
		{
			name:     "cost",
			event:    den.Event{Type: den.EventCost, Cost: 51.2, Cap: 50},
			expected: "💰 Budget: spent=$51.20 cap=$50.00",
		},
		{
			name:     "plan ready",
			event:    den.Event{Type: den.EventPlanReady},
			expected: "📋 Merge Plan Ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &defaultFormatter{writer: buf}

			ev := tt.event
			ev.At = time.Now().UTC()
			err := formatter.Format(&ev)
			assert.NoError(t, err)

			output := buf.String()
			// Check that the expected string is in the output (ignoring timestamp).
			assert.True(t, strings.Contains(output, tt.expected),
				"Expected output to contain '%s', got: %s", tt.expected, output)
		})
	}
}

func TestJSONFormatter(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := NewFormatter(OutputFormatJSON, buf)

	ev := den.NewEvent(den.EventClaimed)
	ev.FeatureID = "auth"
	ev.WorkerID = "worker-1"
	require.NoError(t, formatter.Format(&ev))

	var decoded den.Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, den.EventClaimed, decoded.Type)
	assert.Equal(t, "auth", decoded.FeatureID)
	assert.True(t, strings.HasSuffix(buf.String(), "\n"), "JSONL lines end with newline")
}

// TestStreamActivity drives the full path: publish on the bus, consume via
// the subscription, render to a buffer.
func TestStreamActivity(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := bus.NewClient(&redis.Options{Addr: mr.Addr()}, "watch-test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := client.SubscribeEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	var mu syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- StreamActivity(ctx, sub, OutputFormatDefault, &mu)
	}()

	time.Sleep(50 * time.Millisecond)

	ev := den.NewEvent(den.EventCompleted)
	ev.FeatureID = "auth"
	ev.WorkerID = "worker-1"
	require.NoError(t, client.PublishEvent(ctx, ev))

	assert.Eventually(t, func() bool {
		return strings.Contains(mu.String(), "Completed: feature=auth by=worker-1")
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StreamActivity did not stop on context cancel")
	}
}

// syncBuffer guards a bytes.Buffer so the streaming goroutine and the test
// assertion can share it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
