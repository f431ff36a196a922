package den

import (
	"fmt"
	"time"
)

// Status defines the lifecycle state of a feature.
// Features progress through the DFA:
// pending → in_progress → {pending (release), completed, blocked};
// blocked → pending only by explicit reset; completed is terminal.
type Status string

const (
	// StatusPending indicates the feature is waiting to be claimed
	StatusPending Status = "pending"

	// StatusInProgress indicates a worker holds the claim on this feature
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the feature finished successfully
	StatusCompleted Status = "completed"

	// StatusBlocked indicates the feature needs human attention before it can continue
	StatusBlocked Status = "blocked"
)

// CIStatus records the last observed CI outcome for a feature's branch.
type CIStatus string

const (
	// CIUnset indicates no CI result has been observed yet
	CIUnset CIStatus = ""

	// CIPending indicates a CI run is underway
	CIPending CIStatus = "pending"

	// CIPassed indicates the last CI run succeeded
	CIPassed CIStatus = "passed"

	// CIFailed indicates the last CI run failed
	CIFailed CIStatus = "failed"
)

// FeatureState is the mutable record for one feature id in the state document.
// Static fields (name, dependencies, priority) live in the catalog; only the
// fields here change at runtime.
type FeatureState struct {
	ID            string     `json:"id"`                       // Catalog feature id this record tracks
	Status        Status     `json:"status"`                   // Current lifecycle state
	ClaimedBy     string     `json:"claimed_by,omitempty"`     // Worker id while in_progress
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`     // Time of the last pending→in_progress transition
	CompletedAt   *time.Time `json:"completed_at,omitempty"`   // Time of the completed transition
	Branch        string     `json:"branch,omitempty"`         // Task branch, assigned on first claim
	PRURL         string     `json:"pr_url,omitempty"`         // Pull request URL when the builder produced one
	CIStatus      CIStatus   `json:"ci_status,omitempty"`      // Last observed CI outcome
	CIAttempts    int        `json:"ci_attempts,omitempty"`    // Count of observed CI failures
	BlockedReason string     `json:"blocked_reason,omitempty"` // Why the feature is blocked, when status=blocked
}

// State is the feature state document: one record per catalog feature.
// It is the only shared mutable object in a run; every change goes through
// Store.Mutate so the invariants below are checked before each commit.
type State struct {
	Features []*FeatureState `json:"features"`
}

// Counts summarizes the state document by status.
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Blocked    int `json:"blocked"`
}

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
		return nil
	default:
		return fmt.Errorf("unknown status: %q", s)
	}
}

// Validate checks if the CIStatus is a valid enum value.
func (cs CIStatus) Validate() error {
	switch cs {
	case CIUnset, CIPending, CIPassed, CIFailed:
		return nil
	default:
		return fmt.Errorf("unknown ci status: %q", cs)
	}
}

// CanTransition reports whether a feature may move from one status to another
// in a single committed mutation. Remaining in the same status is always
// legal; the mutation may still be changing other fields.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusBlocked
	case StatusInProgress:
		return to == StatusPending || to == StatusCompleted || to == StatusBlocked
	case StatusBlocked:
		// Explicit reset only; no direct blocked→in_progress shortcut.
		return to == StatusPending
	case StatusCompleted:
		return false
	default:
		return false
	}
}

// Validate checks if the FeatureState has valid field values and satisfies
// the per-record invariants:
//
//   - status=in_progress ⇔ claimed_by and claimed_at present
//   - status=completed ⇒ completed_at present
//   - status=blocked ⇒ blocked_reason present
func (f *FeatureState) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("feature id cannot be empty")
	}

	if err := f.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if err := f.CIStatus.Validate(); err != nil {
		return fmt.Errorf("invalid ci status: %w", err)
	}

	if f.CIAttempts < 0 {
		return fmt.Errorf("ci_attempts cannot be negative, got %d", f.CIAttempts)
	}

	claimed := f.ClaimedBy != "" && f.ClaimedAt != nil
	if f.Status == StatusInProgress && !claimed {
		return fmt.Errorf("in_progress feature %s must carry claimed_by and claimed_at", f.ID)
	}
	if f.Status != StatusInProgress && (f.ClaimedBy != "" || f.ClaimedAt != nil) {
		return fmt.Errorf("feature %s carries claim fields but is %s", f.ID, f.Status)
	}

	if f.Status == StatusCompleted && f.CompletedAt == nil {
		return fmt.Errorf("completed feature %s must carry completed_at", f.ID)
	}

	if f.Status == StatusBlocked && f.BlockedReason == "" {
		return fmt.Errorf("blocked feature %s must carry blocked_reason", f.ID)
	}

	return nil
}

// Validate checks document-level invariants: every record is valid and
// feature ids are unique across the document.
func (s *State) Validate() error {
	seen := make(map[string]bool, len(s.Features))
	for _, f := range s.Features {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid feature state: %w", err)
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate feature id: %s", f.ID)
		}
		seen[f.ID] = true
	}
	return nil
}

// Feature returns the record for the given id, or nil if absent.
func (s *State) Feature(id string) *FeatureState {
	for _, f := range s.Features {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Counts tallies records by status.
func (s *State) Counts() Counts {
	var c Counts
	for _, f := range s.Features {
		switch f.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusBlocked:
			c.Blocked++
		}
	}
	return c
}

// Clone returns a deep copy of the document. Mutating the copy never
// affects the original.
func (s *State) Clone() *State {
	out := &State{Features: make([]*FeatureState, len(s.Features))}
	for i, f := range s.Features {
		cp := *f
		if f.ClaimedAt != nil {
			t := *f.ClaimedAt
			cp.ClaimedAt = &t
		}
		if f.CompletedAt != nil {
			t := *f.CompletedAt
			cp.CompletedAt = &t
		}
		out.Features[i] = &cp
	}
	return out
}

// Drained reports whether no further implementation work can start:
// nothing pending and nothing in progress.
func (s *State) Drained() bool {
	c := s.Counts()
	return c.Pending == 0 && c.InProgress == 0
}
