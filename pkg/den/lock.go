package den

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrLockTimeout is returned by AcquireLock when the lock could not be
// acquired within max_wait. Callers should treat it as retryable.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ErrNotLocked is returned by InspectLock when no process holds the lock.
var ErrNotLocked = errors.New("lock is not held")

// lockPollInterval is the granularity at which contending acquirers retry.
const lockPollInterval = time.Second

// LockOwner identifies the process holding a lock, recorded inside the lock
// directory so other processes can inspect or break a stale lock.
type LockOwner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockHandle represents a held named lock. Callers must Release it.
type LockHandle struct {
	name string
	dir  string
	once sync.Once
}

// Name returns the lock's name.
func (h *LockHandle) Name() string {
	return h.name
}

// Release removes the lock directory, allowing the next acquirer in.
// Release is idempotent: releasing twice, or releasing a lock someone
// force-broke in the meantime, is not an error.
func (h *LockHandle) Release() error {
	var err error
	h.once.Do(func() {
		err = os.RemoveAll(h.dir)
	})
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", h.name, err)
	}
	return nil
}

// AcquireLock acquires the named lock, creating the lock directory
// atomically. Directory creation either succeeds or fails as a unit, so two
// concurrent acquirers see exactly one winner; the loser polls once per
// second until it wins, maxWait elapses (ErrLockTimeout), or ctx is
// cancelled. maxWait of zero means try once.
func AcquireLock(ctx context.Context, layout Layout, name string, maxWait time.Duration) (*LockHandle, error) {
	if name == "" {
		return nil, fmt.Errorf("lock name cannot be empty")
	}
	if err := os.MkdirAll(layout.LocksDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", err)
	}

	dir := layout.LockPath(name)
	deadline := time.Now().Add(maxWait)

	for {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			if werr := writeLockOwner(dir); werr != nil {
				os.RemoveAll(dir)
				return nil, werr
			}
			return &LockHandle{name: name, dir: dir}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock %s: %w", name, err)
		}

		if maxWait == 0 || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("lock %s: %w", name, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func writeLockOwner(dir string) error {
	host, _ := os.Hostname()
	owner := LockOwner{
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("failed to marshal lock owner: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "owner.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write lock owner: %w", err)
	}
	return nil
}

// InspectLock reads the owner record of a held lock without acquiring it.
// Returns ErrNotLocked if the lock directory does not exist.
func InspectLock(layout Layout, name string) (*LockOwner, error) {
	dir := layout.LockPath(name)
	data, err := os.ReadFile(filepath.Join(dir, "owner.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLocked
		}
		return nil, fmt.Errorf("failed to read lock owner for %s: %w", name, err)
	}

	var owner LockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("failed to parse lock owner for %s: %w", name, err)
	}
	return &owner, nil
}

// ForceReleaseLock breaks a lock regardless of who holds it. This is an
// operator recovery affordance, distinct from LockHandle.Release; normal
// code paths must never call it.
func ForceReleaseLock(layout Layout, name string) error {
	if err := os.RemoveAll(layout.LockPath(name)); err != nil {
		return fmt.Errorf("failed to force-release lock %s: %w", name, err)
	}
	return nil
}

// HeldLocks lists the names of all currently held locks in the den.
func HeldLocks(layout Layout) ([]string, error) {
	entries, err := os.ReadDir(layout.LocksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".lock") {
			names = append(names, strings.TrimSuffix(e.Name(), ".lock"))
		}
	}
	return names, nil
}

// SweepDeadLocks force-releases locks whose recorded owner process no longer
// exists on this host. Locks held by live processes, or by processes on
// other hosts, are left alone. Returns the names of the locks released.
//
// Run this once at orchestrator startup, before spawning workers; never
// during normal operation.
func SweepDeadLocks(layout Layout) ([]string, error) {
	names, err := HeldLocks(layout)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	var released []string
	for _, name := range names {
		owner, err := InspectLock(layout, name)
		if err != nil {
			// Lock vanished or owner file unreadable; skip rather than guess.
			continue
		}
		if owner.Host != host || processAlive(owner.PID) {
			continue
		}
		if err := ForceReleaseLock(layout, name); err != nil {
			return released, err
		}
		released = append(released, name)
	}
	return released, nil
}

// processAlive reports whether a process with the given pid exists.
// Signal 0 performs the existence check without delivering a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
