package den

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestTouchHeartbeat(t *testing.T) {
	layout := testLayout(t)

	if err := TouchHeartbeat(layout, "worker-1"); err != nil {
		t.Fatalf("failed to touch heartbeat: %v", err)
	}

	last, err := LastHeartbeat(layout, "worker-1")
	if err != nil {
		t.Fatalf("failed to read heartbeat back: %v", err)
	}
	if time.Since(last) > time.Minute {
		t.Errorf("heartbeat timestamp too old: %v", last)
	}

	if err := TouchHeartbeat(layout, ""); err == nil {
		t.Error("expected touch to fail for an empty worker id, but it passed")
	}
}

func TestLastHeartbeat_Missing(t *testing.T) {
	layout := testLayout(t)

	_, err := LastHeartbeat(layout, "never-beat")
	if !errors.Is(err, ErrNoHeartbeat) {
		t.Errorf("expected ErrNoHeartbeat, got %v", err)
	}
}

func TestHeartbeatFresh(t *testing.T) {
	layout := testLayout(t)

	// A worker that never beat is stale: this is what makes claims from
	// crashed-before-first-beat workers reapable.
	if HeartbeatFresh(layout, "ghost", time.Hour) {
		t.Error("worker with no heartbeat reported fresh")
	}

	if err := TouchHeartbeat(layout, "worker-1"); err != nil {
		t.Fatalf("failed to touch heartbeat: %v", err)
	}
	if !HeartbeatFresh(layout, "worker-1", time.Minute) {
		t.Error("just-touched heartbeat reported stale")
	}

	// Plant an old beat and check it reads as stale.
	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339) + "\n"
	if err := os.WriteFile(layout.HeartbeatPath("worker-2"), []byte(old), 0o644); err != nil {
		t.Fatalf("failed to plant old heartbeat: %v", err)
	}
	if HeartbeatFresh(layout, "worker-2", 10*time.Minute) {
		t.Error("hour-old heartbeat reported fresh within a 10m threshold")
	}
}

func TestBeacon_TouchesImmediately(t *testing.T) {
	layout := testLayout(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewBeacon(layout, "worker-1", time.Hour).Run(ctx)
		close(done)
	}()

	// The first touch happens before the first tick.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := LastHeartbeat(layout, "worker-1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("beacon did not write an initial heartbeat")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("beacon did not stop on context cancellation")
	}
}
