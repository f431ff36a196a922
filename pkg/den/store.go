package den

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNoChange is returned by a MutateFunc to abandon a mutation without
// writing. The store treats it as success with no commit.
var ErrNoChange = errors.New("no state change")

// stateLockName is the single global lock serializing all state mutations.
const stateLockName = "state"

// defaultLockWait bounds how long a mutation waits for the state lock.
const defaultLockWait = 30 * time.Second

// MutateFunc transforms the state document in place. It receives a private
// copy of the current document; the store validates and persists the result
// only if the func returns nil. Returning ErrNoChange abandons the mutation
// silently; any other error aborts it without a write.
//
// MutateFuncs run inside the global state lock and must not perform external
// I/O.
type MutateFunc func(*State) error

// Store holds the feature state document and serializes every mutation
// through the global state lock. It is safe for concurrent use from multiple
// goroutines and, by way of the den lock protocol, from multiple processes.
type Store struct {
	layout   Layout
	catalog  *Catalog
	lockWait time.Duration
}

// NewStore creates a Store over the given den layout and catalog.
func NewStore(layout Layout, catalog *Catalog) *Store {
	return &Store{
		layout:   layout,
		catalog:  catalog,
		lockWait: defaultLockWait,
	}
}

// SetLockWait overrides how long mutations wait for the state lock.
func (s *Store) SetLockWait(d time.Duration) {
	s.lockWait = d
}

// Layout returns the den layout this store operates on.
func (s *Store) Layout() Layout {
	return s.layout
}

// Catalog returns the static catalog this store was loaded from.
func (s *Store) Catalog() *Catalog {
	return s.catalog
}

// Load initializes the state document on first run: when state.json is
// absent, it is created with one pending record per catalog feature. When a
// state document already exists it is authoritative and Load changes
// nothing, so progress survives orchestrator restarts.
func (s *Store) Load() error {
	if err := s.layout.Ensure(); err != nil {
		return err
	}

	if _, err := os.Stat(s.layout.StatePath()); err == nil {
		// Existing state is never overwritten.
		_, err := s.read()
		return err
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat state document: %w", err)
	}

	initial := &State{Features: make([]*FeatureState, 0, len(s.catalog.Features))}
	for _, f := range s.catalog.Features {
		initial.Features = append(initial.Features, &FeatureState{
			ID:     f.ID,
			Status: StatusPending,
		})
	}
	return s.write(initial)
}

// Snapshot returns a deep copy of the current state document. The copy is
// the caller's to mutate; it never aliases stored data.
func (s *Store) Snapshot() (*State, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// Mutate applies fn to the current state under the global state lock:
// read, transform, validate, write atomically, release. The mutation is
// committed only if fn returns nil, every invariant holds on the result, and
// every status change is a legal transition. A fn error (other than
// ErrNoChange) abandons the mutation without a write.
func (s *Store) Mutate(ctx context.Context, fn MutateFunc) error {
	return s.MutateWithin(ctx, s.lockWait, fn)
}

// MutateWithin is Mutate with a caller-chosen bound on the state-lock wait.
// Claim-path callers use a short bound so contended workers retry their loop
// instead of queueing.
func (s *Store) MutateWithin(ctx context.Context, lockWait time.Duration, fn MutateFunc) error {
	lock, err := AcquireLock(ctx, s.layout, stateLockName, lockWait)
	if err != nil {
		return err
	}
	defer lock.Release()

	before, err := s.read()
	if err != nil {
		return err
	}

	after := before.Clone()
	if err := fn(after); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}

	if err := s.checkMutation(before, after); err != nil {
		return fmt.Errorf("rejecting state mutation: %w", err)
	}

	return s.write(after)
}

// checkMutation enforces the document invariants plus the rules a single
// commit must obey: record set matches the catalog, no id appears twice, and
// each feature's status change follows the lifecycle DFA.
func (s *Store) checkMutation(before, after *State) error {
	if err := after.Validate(); err != nil {
		return err
	}

	if len(after.Features) != len(before.Features) {
		return fmt.Errorf("mutation changed the feature set: %d records, want %d",
			len(after.Features), len(before.Features))
	}
	for _, f := range after.Features {
		if s.catalog.Feature(f.ID) == nil {
			return fmt.Errorf("mutation introduced unknown feature id %s", f.ID)
		}
		prev := before.Feature(f.ID)
		if prev == nil {
			return fmt.Errorf("mutation introduced duplicate feature id %s", f.ID)
		}
		if !CanTransition(prev.Status, f.Status) {
			return fmt.Errorf("illegal transition for %s: %s → %s", f.ID, prev.Status, f.Status)
		}
	}
	return nil
}

// read parses the state document from disk.
func (s *Store) read() (*State, error) {
	data, err := os.ReadFile(s.layout.StatePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read state document: %w", err)
	}

	var doc State
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state document: %w", err)
	}
	return &doc, nil
}

// write persists the document atomically: marshal to a sibling temp file,
// then rename over the destination so readers never observe a half-written
// document.
func (s *Store) write(doc *State) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state document: %w", err)
	}
	data = append(data, '\n')

	tmp := fmt.Sprintf("%s.tmp-%d", s.layout.StatePath(), os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.layout.StatePath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit state document: %w", err)
	}
	return nil
}
