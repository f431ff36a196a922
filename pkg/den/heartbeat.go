package den

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"
)

// ErrNoHeartbeat is returned by LastHeartbeat when the worker has never
// written a beat.
var ErrNoHeartbeat = errors.New("no heartbeat recorded")

// TouchHeartbeat records the worker as alive right now. The beat file is
// rewritten whole on every touch; last write wins, which is safe because
// a worker id has exactly one owning process.
func TouchHeartbeat(layout Layout, workerID string) error {
	if workerID == "" {
		return fmt.Errorf("worker id cannot be empty")
	}
	if err := os.MkdirAll(layout.HeartbeatsDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create heartbeats directory: %w", err)
	}

	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(layout.HeartbeatPath(workerID), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("failed to write heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// LastHeartbeat returns the time of the worker's most recent beat.
// Returns ErrNoHeartbeat if the worker never wrote one.
func LastHeartbeat(layout Layout, workerID string) (time.Time, error) {
	data, err := os.ReadFile(layout.HeartbeatPath(workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("worker %s: %w", workerID, ErrNoHeartbeat)
		}
		return time.Time{}, fmt.Errorf("failed to read heartbeat for %s: %w", workerID, err)
	}

	raw := string(data)
	for len(raw) > 0 && (raw[len(raw)-1] == '\n' || raw[len(raw)-1] == '\r') {
		raw = raw[:len(raw)-1]
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed heartbeat for %s: %w", workerID, err)
	}
	return t, nil
}

// HeartbeatFresh reports whether the worker's last beat is within the
// freshness threshold. A worker with no heartbeat at all is stale; that is
// what makes crashed-before-first-beat claims reapable.
func HeartbeatFresh(layout Layout, workerID string, threshold time.Duration) bool {
	last, err := LastHeartbeat(layout, workerID)
	if err != nil {
		return false
	}
	return time.Since(last) <= threshold
}

// Beacon periodically touches a worker's heartbeat until its context ends.
type Beacon struct {
	layout   Layout
	workerID string
	interval time.Duration
}

// NewBeacon creates a beacon for the worker. Interval must be positive.
func NewBeacon(layout Layout, workerID string, interval time.Duration) *Beacon {
	return &Beacon{
		layout:   layout,
		workerID: workerID,
		interval: interval,
	}
}

// Run touches the heartbeat immediately, then on every interval tick until
// ctx is cancelled. Intended to be run on its own goroutine; a touch failure
// is logged and the loop continues, since a transiently unwritable den
// should not kill the worker.
func (b *Beacon) Run(ctx context.Context) {
	if err := TouchHeartbeat(b.layout, b.workerID); err != nil {
		log.Printf("[Heartbeat] Warning: %v", err)
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := TouchHeartbeat(b.layout, b.workerID); err != nil {
				log.Printf("[Heartbeat] Warning: %v", err)
			}
		}
	}
}
