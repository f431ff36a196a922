package den

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
)

// ErrUnavailable is returned when a claim's preconditions do not hold at
// commit time: the feature is not pending, or a dependency is incomplete.
var ErrUnavailable = errors.New("feature is not claimable")

// ErrEmpty is returned by ClaimNext when nothing is claimable right now.
var ErrEmpty = errors.New("no claimable features")

// ErrNotInProgress is returned by Release and Complete when the feature does
// not hold an active claim.
var ErrNotInProgress = errors.New("feature is not in progress")

// claimLockWait bounds the state-lock wait on claim-path operations, which
// run inside tight worker loops and prefer to retry over queueing for long.
const claimLockWait = 10 * time.Second

// Claims enforces the claim protocol over a Store: dependency-gated
// transitions into and out of in_progress, with deterministic selection and
// post-commit notifications.
//
// Every operation is a single Store.Mutate, so claims from concurrent
// workers serialize on the state lock and exactly one of two contenders for
// the same feature wins.
type Claims struct {
	store        *Store
	notifier     Notifier
	branchPrefix string
}

// NewClaims creates a claim manager over the store. Events are emitted to
// the notifier after each committed terminal transition; pass NopNotifier
// for none. branchPrefix derives task branch names as {prefix}/{feature id}.
func NewClaims(store *Store, notifier Notifier, branchPrefix string) *Claims {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Claims{
		store:        store,
		notifier:     notifier,
		branchPrefix: branchPrefix,
	}
}

// ClaimableIDs returns the ids a worker could claim right now: status
// pending with every dependency completed. Sorted ascending by id.
func (c *Claims) ClaimableIDs() ([]string, error) {
	doc, err := c.store.Snapshot()
	if err != nil {
		return nil, err
	}
	ids := claimableIDs(c.store.Catalog(), doc)
	sort.Strings(ids)
	return ids, nil
}

// Claim transitions a specific feature to in_progress for the worker.
// Preconditions are rechecked at commit time under the state lock; if the
// feature is no longer pending or a dependency is incomplete, the claim
// fails with ErrUnavailable and nothing is written.
func (c *Claims) Claim(ctx context.Context, id, workerID string) error {
	err := c.store.MutateWithin(ctx, claimLockWait, func(doc *State) error {
		return c.applyClaim(doc, id, workerID)
	})
	if err != nil {
		return err
	}

	ev := NewEvent(EventClaimed)
	ev.WorkerID = workerID
	ev.FeatureID = id
	c.notify(ctx, ev)
	return nil
}

// ClaimNext claims the best available feature for the worker and returns its
// id. Selection is lowest priority first, ties broken by ascending id, so
// two workers arriving together resolve to distinct features
// deterministically. Returns ErrEmpty without blocking when nothing is
// claimable.
func (c *Claims) ClaimNext(ctx context.Context, workerID string) (string, error) {
	var picked string
	err := c.store.MutateWithin(ctx, claimLockWait, func(doc *State) error {
		ids := claimableIDs(c.store.Catalog(), doc)
		if len(ids) == 0 {
			return ErrEmpty
		}

		catalog := c.store.Catalog()
		sort.Slice(ids, func(i, j int) bool {
			pi := catalog.Feature(ids[i]).Priority
			pj := catalog.Feature(ids[j]).Priority
			if pi != pj {
				return pi < pj
			}
			return ids[i] < ids[j]
		})

		picked = ids[0]
		return c.applyClaim(doc, picked, workerID)
	})
	if err != nil {
		return "", err
	}

	ev := NewEvent(EventClaimed)
	ev.WorkerID = workerID
	ev.FeatureID = picked
	c.notify(ctx, ev)
	return picked, nil
}

// Release returns an in_progress feature to pending, clearing its claim
// fields. The branch assignment survives so a re-claim continues the same
// branch. Fails with ErrNotInProgress otherwise.
func (c *Claims) Release(ctx context.Context, id, reason string) error {
	var worker string
	err := c.store.MutateWithin(ctx, claimLockWait, func(doc *State) error {
		f := doc.Feature(id)
		if f == nil {
			return fmt.Errorf("unknown feature %s", id)
		}
		if f.Status != StatusInProgress {
			return fmt.Errorf("release %s: %w", id, ErrNotInProgress)
		}
		worker = f.ClaimedBy
		f.Status = StatusPending
		f.ClaimedBy = ""
		f.ClaimedAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[Claims] Released %s (was held by %s): %s", id, worker, reason)

	ev := NewEvent(EventReleased)
	ev.WorkerID = worker
	ev.FeatureID = id
	ev.Reason = reason
	c.notify(ctx, ev)
	return nil
}

// Complete transitions an in_progress feature to completed, recording the
// completion time and the PR URL when the builder produced one.
func (c *Claims) Complete(ctx context.Context, id, prURL string) error {
	var worker string
	err := c.store.MutateWithin(ctx, claimLockWait, func(doc *State) error {
		f := doc.Feature(id)
		if f == nil {
			return fmt.Errorf("unknown feature %s", id)
		}
		if f.Status != StatusInProgress {
			return fmt.Errorf("complete %s: %w", id, ErrNotInProgress)
		}
		worker = f.ClaimedBy
		now := time.Now().UTC()
		f.Status = StatusCompleted
		f.CompletedAt = &now
		f.ClaimedBy = ""
		f.ClaimedAt = nil
		if prURL != "" {
			f.PRURL = prURL
		}
		return nil
	})
	if err != nil {
		return err
	}

	ev := NewEvent(EventCompleted)
	ev.WorkerID = worker
	ev.FeatureID = id
	ev.PRURL = prURL
	c.notify(ctx, ev)
	return nil
}

// Block marks a pending or in_progress feature as blocked with the given
// reason. Blocked features are skipped by claim selection until explicitly
// unblocked.
func (c *Claims) Block(ctx context.Context, id, reason string) error {
	if reason == "" {
		return fmt.Errorf("block %s: reason cannot be empty", id)
	}
	var worker string
	err := c.store.MutateWithin(ctx, claimLockWait, func(doc *State) error {
		f := doc.Feature(id)
		if f == nil {
			return fmt.Errorf("unknown feature %s", id)
		}
		if f.Status != StatusInProgress && f.Status != StatusPending {
			return fmt.Errorf("block %s: cannot block a %s feature", id, f.Status)
		}
		worker = f.ClaimedBy
		f.Status = StatusBlocked
		f.BlockedReason = reason
		f.ClaimedBy = ""
		f.ClaimedAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	ev := NewEvent(EventBlocked)
	ev.WorkerID = worker
	ev.FeatureID = id
	ev.Reason = reason
	c.notify(ctx, ev)
	return nil
}

// Unblock resets a blocked feature to pending so it can be claimed again.
// This is the explicit operator affordance; nothing resets blocked features
// automatically.
func (c *Claims) Unblock(ctx context.Context, id string) error {
	return c.store.MutateWithin(ctx, claimLockWait, func(doc *State) error {
		f := doc.Feature(id)
		if f == nil {
			return fmt.Errorf("unknown feature %s", id)
		}
		if f.Status != StatusBlocked {
			return fmt.Errorf("unblock %s: feature is %s, not blocked", id, f.Status)
		}
		f.Status = StatusPending
		f.BlockedReason = ""
		return nil
	})
}

// UpdateCI records a CI outcome for the feature. When increment is true the
// failure counter advances by one; the reaper blocks features whose counter
// reaches the configured maximum.
func (c *Claims) UpdateCI(ctx context.Context, id string, status CIStatus, increment bool) error {
	if err := status.Validate(); err != nil {
		return err
	}
	return c.store.MutateWithin(ctx, claimLockWait, func(doc *State) error {
		f := doc.Feature(id)
		if f == nil {
			return fmt.Errorf("unknown feature %s", id)
		}
		f.CIStatus = status
		if increment {
			f.CIAttempts++
		}
		return nil
	})
}

// Counts returns the current status tallies.
func (c *Claims) Counts() (Counts, error) {
	doc, err := c.store.Snapshot()
	if err != nil {
		return Counts{}, err
	}
	return doc.Counts(), nil
}

// applyClaim performs the pending→in_progress transition inside a mutation,
// rechecking preconditions against the document being committed.
func (c *Claims) applyClaim(doc *State, id, workerID string) error {
	catalogFeature := c.store.Catalog().Feature(id)
	if catalogFeature == nil {
		return fmt.Errorf("unknown feature %s", id)
	}
	f := doc.Feature(id)
	if f == nil {
		return fmt.Errorf("feature %s missing from state document", id)
	}

	if f.Status != StatusPending {
		return fmt.Errorf("claim %s: status is %s: %w", id, f.Status, ErrUnavailable)
	}
	for _, dep := range catalogFeature.DependsOn {
		d := doc.Feature(dep)
		if d == nil || d.Status != StatusCompleted {
			return fmt.Errorf("claim %s: dependency %s incomplete: %w", id, dep, ErrUnavailable)
		}
	}

	now := time.Now().UTC()
	f.Status = StatusInProgress
	f.ClaimedBy = workerID
	f.ClaimedAt = &now
	if f.Branch == "" {
		f.Branch = c.branchPrefix + "/" + id
	}
	return nil
}

// claimableIDs computes the claimable set against a specific document:
// pending features whose dependencies are all completed. Blocked
// dependencies therefore gate their dependents indefinitely.
func claimableIDs(catalog *Catalog, doc *State) []string {
	completed := make(map[string]bool)
	for _, f := range doc.Features {
		if f.Status == StatusCompleted {
			completed[f.ID] = true
		}
	}

	var ids []string
	for i := range catalog.Features {
		cf := &catalog.Features[i]
		st := doc.Feature(cf.ID)
		if st == nil || st.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range cf.DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ids = append(ids, cf.ID)
		}
	}
	return ids
}

// notify delivers an event, logging failures without propagating them: a
// notification error never rolls back the committed transition it reports.
func (c *Claims) notify(ctx context.Context, ev Event) {
	if err := c.notifier.Notify(ctx, ev); err != nil {
		log.Printf("[Claims] Warning: failed to deliver %s notification: %v", ev.Type, err)
	}
}

// IsUnavailable returns true if the error means a claim's preconditions did
// not hold at commit time.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsEmpty returns true if the error means no feature was claimable.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrEmpty)
}
