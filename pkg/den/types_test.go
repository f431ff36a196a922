package den

import (
	"testing"
	"time"
)

// TestStatusValidate_AllValid tests all valid feature statuses
func TestStatusValidate_AllValid(t *testing.T) {
	validStatuses := []Status{
		StatusPending,
		StatusInProgress,
		StatusCompleted,
		StatusBlocked,
	}

	for _, s := range validStatuses {
		t.Run(string(s), func(t *testing.T) {
			if err := s.Validate(); err != nil {
				t.Errorf("valid status %q failed validation: %v", s, err)
			}
		})
	}
}

// TestStatusValidate_Invalid tests invalid feature status
func TestStatusValidate_Invalid(t *testing.T) {
	invalid := Status("done")
	if err := invalid.Validate(); err == nil {
		t.Error("expected validation to fail for invalid status, but it passed")
	}
}

// TestCIStatusValidate tests CI status enum validation including the unset value
func TestCIStatusValidate(t *testing.T) {
	for _, cs := range []CIStatus{CIUnset, CIPending, CIPassed, CIFailed} {
		if err := cs.Validate(); err != nil {
			t.Errorf("valid ci status %q failed validation: %v", cs, err)
		}
	}

	if err := CIStatus("green").Validate(); err == nil {
		t.Error("expected validation to fail for invalid ci status, but it passed")
	}
}

// TestCanTransition tests the feature lifecycle DFA
func TestCanTransition(t *testing.T) {
	testCases := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to in_progress", StatusPending, StatusInProgress, true},
		{"pending to blocked", StatusPending, StatusBlocked, true},
		{"pending to completed", StatusPending, StatusCompleted, false},
		{"in_progress to pending", StatusInProgress, StatusPending, true},
		{"in_progress to completed", StatusInProgress, StatusCompleted, true},
		{"in_progress to blocked", StatusInProgress, StatusBlocked, true},
		{"blocked to pending", StatusBlocked, StatusPending, true},
		{"blocked to in_progress", StatusBlocked, StatusInProgress, false},
		{"blocked to completed", StatusBlocked, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusPending, false},
		{"completed to blocked", StatusCompleted, StatusBlocked, false},
		{"same status is always legal", StatusInProgress, StatusInProgress, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, expected %v", tc.from, tc.to, got, tc.allowed)
			}
		})
	}
}

// TestFeatureStateValidate_Valid tests that consistent records pass validation
func TestFeatureStateValidate_Valid(t *testing.T) {
	now := time.Now().UTC()

	records := []*FeatureState{
		{ID: "auth", Status: StatusPending},
		{ID: "auth", Status: StatusInProgress, ClaimedBy: "worker-1", ClaimedAt: &now},
		{ID: "auth", Status: StatusCompleted, CompletedAt: &now},
		{ID: "auth", Status: StatusBlocked, BlockedReason: "needs schema decision"},
	}

	for _, f := range records {
		if err := f.Validate(); err != nil {
			t.Errorf("valid %s record failed validation: %v", f.Status, err)
		}
	}
}

// TestFeatureStateValidate_InProgressRequiresClaimFields tests invariant 1
func TestFeatureStateValidate_InProgressRequiresClaimFields(t *testing.T) {
	now := time.Now().UTC()

	testCases := []struct {
		name string
		f    *FeatureState
	}{
		{"no claim fields", &FeatureState{ID: "auth", Status: StatusInProgress}},
		{"missing claimed_at", &FeatureState{ID: "auth", Status: StatusInProgress, ClaimedBy: "w1"}},
		{"missing claimed_by", &FeatureState{ID: "auth", Status: StatusInProgress, ClaimedAt: &now}},
		{"pending with claim fields", &FeatureState{ID: "auth", Status: StatusPending, ClaimedBy: "w1", ClaimedAt: &now}},
		{"completed with claim fields", &FeatureState{ID: "auth", Status: StatusCompleted, CompletedAt: &now, ClaimedBy: "w1", ClaimedAt: &now}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.f.Validate(); err == nil {
				t.Error("expected validation to fail, but it passed")
			}
		})
	}
}

// TestFeatureStateValidate_CompletedRequiresTimestamp tests invariant 2
func TestFeatureStateValidate_CompletedRequiresTimestamp(t *testing.T) {
	f := &FeatureState{ID: "auth", Status: StatusCompleted}
	if err := f.Validate(); err == nil {
		t.Error("expected validation to fail for completed without completed_at, but it passed")
	}
}

// TestFeatureStateValidate_BlockedRequiresReason tests invariant 3
func TestFeatureStateValidate_BlockedRequiresReason(t *testing.T) {
	f := &FeatureState{ID: "auth", Status: StatusBlocked}
	if err := f.Validate(); err == nil {
		t.Error("expected validation to fail for blocked without reason, but it passed")
	}
}

// TestFeatureStateValidate_NegativeCIAttempts tests the attempt counter floor
func TestFeatureStateValidate_NegativeCIAttempts(t *testing.T) {
	f := &FeatureState{ID: "auth", Status: StatusPending, CIAttempts: -1}
	if err := f.Validate(); err == nil {
		t.Error("expected validation to fail for negative ci_attempts, but it passed")
	}
}

// TestStateValidate_DuplicateIDs tests that duplicate feature ids are rejected
func TestStateValidate_DuplicateIDs(t *testing.T) {
	doc := &State{Features: []*FeatureState{
		{ID: "auth", Status: StatusPending},
		{ID: "auth", Status: StatusPending},
	}}

	if err := doc.Validate(); err == nil {
		t.Error("expected validation to fail for duplicate ids, but it passed")
	}
}

// TestStateCounts tests status tallies
func TestStateCounts(t *testing.T) {
	now := time.Now().UTC()
	doc := &State{Features: []*FeatureState{
		{ID: "a", Status: StatusPending},
		{ID: "b", Status: StatusPending},
		{ID: "c", Status: StatusInProgress, ClaimedBy: "w1", ClaimedAt: &now},
		{ID: "d", Status: StatusCompleted, CompletedAt: &now},
		{ID: "e", Status: StatusBlocked, BlockedReason: "waiting"},
	}}

	c := doc.Counts()
	if c.Pending != 2 || c.InProgress != 1 || c.Completed != 1 || c.Blocked != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
	if doc.Drained() {
		t.Error("document with pending work reported as drained")
	}
}

// TestStateDrained tests drain detection ignores completed and blocked features
func TestStateDrained(t *testing.T) {
	now := time.Now().UTC()
	doc := &State{Features: []*FeatureState{
		{ID: "a", Status: StatusCompleted, CompletedAt: &now},
		{ID: "b", Status: StatusBlocked, BlockedReason: "needs input"},
	}}

	if !doc.Drained() {
		t.Error("document with only terminal features should be drained")
	}
}

// TestStateClone tests that clones share no mutable data with the original
func TestStateClone(t *testing.T) {
	now := time.Now().UTC()
	doc := &State{Features: []*FeatureState{
		{ID: "a", Status: StatusInProgress, ClaimedBy: "w1", ClaimedAt: &now},
	}}

	clone := doc.Clone()
	clone.Features[0].Status = StatusPending
	clone.Features[0].ClaimedBy = ""
	clone.Features[0].ClaimedAt = nil

	if doc.Features[0].Status != StatusInProgress {
		t.Error("mutating the clone changed the original status")
	}
	if doc.Features[0].ClaimedBy != "w1" || doc.Features[0].ClaimedAt == nil {
		t.Error("mutating the clone changed the original claim fields")
	}
}

// TestStateFeature tests record lookup by id
func TestStateFeature(t *testing.T) {
	doc := &State{Features: []*FeatureState{
		{ID: "a", Status: StatusPending},
		{ID: "b", Status: StatusPending},
	}}

	if f := doc.Feature("b"); f == nil || f.ID != "b" {
		t.Errorf("Feature(\"b\") = %v, expected the b record", f)
	}
	if f := doc.Feature("missing"); f != nil {
		t.Errorf("Feature(\"missing\") = %v, expected nil", f)
	}
}
