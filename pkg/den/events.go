package den

import (
	"context"
	"time"
)

// EventType identifies what a den event describes.
type EventType string

const (
	// EventStarted marks an orchestrator run beginning
	EventStarted EventType = "started"

	// EventClaimed marks a worker claiming a feature
	EventClaimed EventType = "claimed"

	// EventCompleted marks a feature reaching completed
	EventCompleted EventType = "completed"

	// EventBlocked marks a feature reaching blocked
	EventBlocked EventType = "blocked"

	// EventReleased marks a claim being returned to pending
	EventReleased EventType = "released"

	// EventDecisionNeeded marks a new pending decision awaiting an answer
	EventDecisionNeeded EventType = "decision_needed"

	// EventDecisionAnswered marks a decision receiving its answer
	EventDecisionAnswered EventType = "decision_answered"

	// EventProgress carries periodic status counts
	EventProgress EventType = "progress"

	// EventCost warns that spend is at or over the daily cap
	EventCost EventType = "cost"

	// EventPlanReady marks the merge plan having been written
	EventPlanReady EventType = "plan_ready"
)

// Event is the structured notification emitted after a committed state
// change. Only the fields relevant to the event type are populated.
// Events are emitted strictly after their transition has persisted, so a
// consumer never learns of a state the den does not hold.
type Event struct {
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	WorkerID   string    `json:"worker_id,omitempty"`
	FeatureID  string    `json:"feature_id,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	PRURL      string    `json:"pr_url,omitempty"`
	Question   string    `json:"question,omitempty"`
	Options    []string  `json:"options,omitempty"`
	Answer     string    `json:"answer,omitempty"`
	Counts     *Counts   `json:"counts,omitempty"`
	Cost       float64   `json:"cost,omitempty"`
	Cap        float64   `json:"cap,omitempty"`
}

// Notifier is the outbound event sink. Implementations deliver events to
// humans or external systems; delivery is at-most-once and a failed delivery
// never rolls back the state change it describes.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NopNotifier discards all events. Useful in tests and for runs without an
// outbound channel configured.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Event) error {
	return nil
}

// NewEvent constructs an Event of the given type stamped with the current
// UTC time.
func NewEvent(t EventType) Event {
	return Event{Type: t, At: time.Now().UTC()}
}
