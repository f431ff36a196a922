package den

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DecisionStatus defines the lifecycle state of a decision record.
// Records are pending on create; answered when a valid option is posted;
// timed_out when the wall clock passes their timeout; cancelled on explicit
// cancel. All terminal states are final.
type DecisionStatus string

const (
	// DecisionPending indicates the decision is awaiting an answer
	DecisionPending DecisionStatus = "pending"

	// DecisionAnswered indicates a valid answer was posted
	DecisionAnswered DecisionStatus = "answered"

	// DecisionTimedOut indicates the timeout elapsed before an answer
	DecisionTimedOut DecisionStatus = "timed_out"

	// DecisionCancelled indicates the requester withdrew the question
	DecisionCancelled DecisionStatus = "cancelled"
)

// ErrDecisionNotFound is returned when no record exists for a decision id.
var ErrDecisionNotFound = errors.New("decision not found")

// ErrInvalidAnswer is returned when a posted answer is not among the
// decision's recorded options.
var ErrInvalidAnswer = errors.New("answer is not a recorded option")

// ErrAlreadyAnswered is returned when a second, different answer is posted
// against an answered decision.
var ErrAlreadyAnswered = errors.New("decision already answered")

// ErrDecisionClosed is returned when answering a timed-out or cancelled
// decision.
var ErrDecisionClosed = errors.New("decision is closed")

// ErrDecisionTimeout is returned by Await when the timeout elapses and the
// decision carries no default answer.
var ErrDecisionTimeout = errors.New("decision timed out without a default")

// ErrDecisionCancelled is returned by Await when the decision was cancelled
// while being awaited.
var ErrDecisionCancelled = errors.New("decision was cancelled")

// awaitPollInterval is how often Await re-reads the record file. The record
// is the rendezvous point between the awaiting worker and an answerer in a
// different process, so polling is the coordination mechanism.
const awaitPollInterval = 2 * time.Second

// decisionLockWait bounds per-record lock waits; record critical sections
// are single-file rewrites and should never take long.
const decisionLockWait = 10 * time.Second

// DefaultDecisionTimeout applies when a decision is created without an
// explicit timeout.
const DefaultDecisionTimeout = time.Hour

// Decision is one persistent question record in the den.
type Decision struct {
	ID             string         `json:"id"`                       // UUID assigned on create
	Question       string         `json:"question"`                 // What the worker needs decided
	Options        []string       `json:"options"`                  // Valid answers; Answer must be one of these
	Context        string         `json:"context,omitempty"`        // Free-form background for the answerer
	DefaultAnswer  string         `json:"default_answer,omitempty"` // Applied if the timeout elapses
	TimeoutSeconds int            `json:"timeout_seconds"`          // Wall-clock budget from created_at
	Worker         string         `json:"requesting_worker"`        // Worker id that raised the question
	FeatureID      string         `json:"requesting_feature"`       // Feature the worker was holding
	Status         DecisionStatus `json:"status"`                   // Current lifecycle state
	Answer         string         `json:"answer,omitempty"`         // The chosen option once resolved
	CreatedAt      time.Time      `json:"created_at"`
	AnsweredAt     *time.Time     `json:"answered_at,omitempty"`
	AnsweredBy     string         `json:"answered_by,omitempty"`
	CancelReason   string         `json:"cancel_reason,omitempty"`
}

// Validate checks if the DecisionStatus is a valid enum value.
func (ds DecisionStatus) Validate() error {
	switch ds {
	case DecisionPending, DecisionAnswered, DecisionTimedOut, DecisionCancelled:
		return nil
	default:
		return fmt.Errorf("unknown decision status: %q", ds)
	}
}

// Deadline returns the instant the decision times out.
func (d *Decision) Deadline() time.Time {
	return d.CreatedAt.Add(time.Duration(d.TimeoutSeconds) * time.Second)
}

// HasOption reports whether answer is among the recorded options.
func (d *Decision) HasOption(answer string) bool {
	for _, o := range d.Options {
		if o == answer {
			return true
		}
	}
	return false
}

// CreateDecision carries the inputs for a new decision record.
type CreateDecision struct {
	Question      string
	Options       []string
	Context       string
	DefaultAnswer string
	Timeout       time.Duration
	Worker        string
	FeatureID     string
}

// DecisionQueue is the async rendezvous between workers raising questions
// and answerers in other processes. Each decision is one JSON record file;
// mutations serialize on a per-record lock and commit by atomic rename.
type DecisionQueue struct {
	layout   Layout
	notifier Notifier
}

// NewDecisionQueue creates a queue over the den layout. Events are emitted
// to the notifier when decisions are created and answered.
func NewDecisionQueue(layout Layout, notifier Notifier) *DecisionQueue {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &DecisionQueue{layout: layout, notifier: notifier}
}

// Create persists a new pending decision and returns its id. A
// decision_needed event carrying the id, question and options is emitted
// after the record is durable.
func (q *DecisionQueue) Create(ctx context.Context, req CreateDecision) (string, error) {
	if req.Question == "" {
		return "", fmt.Errorf("decision question cannot be empty")
	}
	if len(req.Options) == 0 {
		return "", fmt.Errorf("decision must offer at least one option")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}

	d := &Decision{
		ID:             uuid.New().String(),
		Question:       req.Question,
		Options:        append([]string(nil), req.Options...),
		Context:        req.Context,
		DefaultAnswer:  req.DefaultAnswer,
		TimeoutSeconds: int(timeout / time.Second),
		Worker:         req.Worker,
		FeatureID:      req.FeatureID,
		Status:         DecisionPending,
		CreatedAt:      time.Now().UTC(),
	}
	if d.DefaultAnswer != "" && !d.HasOption(d.DefaultAnswer) {
		return "", fmt.Errorf("default answer %q is not among the options", d.DefaultAnswer)
	}

	if err := os.MkdirAll(q.layout.DecisionsDir(), 0o755); err != nil {
		return "", fmt.Errorf("failed to create decisions directory: %w", err)
	}
	if err := q.write(d); err != nil {
		return "", err
	}

	ev := NewEvent(EventDecisionNeeded)
	ev.DecisionID = d.ID
	ev.WorkerID = d.Worker
	ev.FeatureID = d.FeatureID
	ev.Question = d.Question
	ev.Options = d.Options
	q.notify(ctx, ev)

	return d.ID, nil
}

// Get reads a decision record. Returns ErrDecisionNotFound if absent.
func (q *DecisionQueue) Get(decisionID string) (*Decision, error) {
	data, err := os.ReadFile(q.layout.DecisionPath(decisionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("decision %s: %w", decisionID, ErrDecisionNotFound)
		}
		return nil, fmt.Errorf("failed to read decision %s: %w", decisionID, err)
	}

	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse decision %s: %w", decisionID, err)
	}
	return &d, nil
}

// Answer posts an answer against a pending decision. The answer must be one
// of the recorded options. Posting the identical (id, answer, answerer)
// triple twice is an idempotent no-op; a second, different answer against an
// answered decision is rejected with ErrAlreadyAnswered.
func (q *DecisionQueue) Answer(ctx context.Context, decisionID, answer, answerer string) error {
	replay := false
	err := q.mutate(ctx, decisionID, func(d *Decision) error {
		switch d.Status {
		case DecisionAnswered:
			if d.Answer == answer && d.AnsweredBy == answerer {
				replay = true
				return ErrNoChange
			}
			return fmt.Errorf("decision %s answered %q by %s: %w",
				decisionID, d.Answer, d.AnsweredBy, ErrAlreadyAnswered)
		case DecisionTimedOut, DecisionCancelled:
			return fmt.Errorf("decision %s is %s: %w", decisionID, d.Status, ErrDecisionClosed)
		}

		if !d.HasOption(answer) {
			return fmt.Errorf("decision %s: %q not in [%s]: %w",
				decisionID, answer, strings.Join(d.Options, ", "), ErrInvalidAnswer)
		}

		now := time.Now().UTC()
		d.Status = DecisionAnswered
		d.Answer = answer
		d.AnsweredBy = answerer
		d.AnsweredAt = &now
		return nil
	})
	if err != nil || replay {
		return err
	}

	ev := NewEvent(EventDecisionAnswered)
	ev.DecisionID = decisionID
	ev.Answer = answer
	ev.WorkerID = answerer
	q.notify(ctx, ev)
	return nil
}

// Cancel withdraws a pending decision.
func (q *DecisionQueue) Cancel(ctx context.Context, decisionID, reason string) error {
	return q.mutate(ctx, decisionID, func(d *Decision) error {
		if d.Status != DecisionPending {
			return fmt.Errorf("decision %s is %s: %w", decisionID, d.Status, ErrDecisionClosed)
		}
		d.Status = DecisionCancelled
		d.CancelReason = reason
		return nil
	})
}

// Await blocks until the decision resolves, polling the record file. It
// returns the posted answer once the decision is answered. When the
// decision's timeout elapses first, the record transitions to timed_out and
// Await returns the default answer if one was recorded, otherwise
// ErrDecisionTimeout. Await returns promptly with ctx.Err() on cancellation
// regardless of remaining timeout.
func (q *DecisionQueue) Await(ctx context.Context, decisionID string) (string, error) {
	for {
		d, err := q.Get(decisionID)
		if err != nil {
			return "", err
		}

		switch d.Status {
		case DecisionAnswered:
			return d.Answer, nil
		case DecisionCancelled:
			return "", fmt.Errorf("decision %s: %w", decisionID, ErrDecisionCancelled)
		case DecisionTimedOut:
			if d.Answer != "" {
				return d.Answer, nil
			}
			return "", fmt.Errorf("decision %s: %w", decisionID, ErrDecisionTimeout)
		}

		if !time.Now().Before(d.Deadline()) {
			answer, terr := q.timeOut(ctx, decisionID)
			if terr != nil {
				return "", terr
			}
			if answer != "" {
				return answer, nil
			}
			return "", fmt.Errorf("decision %s: %w", decisionID, ErrDecisionTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(awaitPollInterval):
		}
	}
}

// timeOut transitions a pending decision to timed_out, applying the default
// answer when present. Racing answerers are handled: if an answer lands
// before the lock is taken, the answer wins and is returned.
func (q *DecisionQueue) timeOut(ctx context.Context, decisionID string) (string, error) {
	answer := ""
	err := q.mutate(ctx, decisionID, func(d *Decision) error {
		switch d.Status {
		case DecisionAnswered:
			answer = d.Answer
			return ErrNoChange
		case DecisionTimedOut:
			answer = d.Answer
			return ErrNoChange
		case DecisionCancelled:
			return fmt.Errorf("decision %s: %w", decisionID, ErrDecisionCancelled)
		}

		d.Status = DecisionTimedOut
		if d.DefaultAnswer != "" {
			d.Answer = d.DefaultAnswer
			answer = d.DefaultAnswer
		}
		return nil
	})
	return answer, err
}

// Pending lists pending decisions, oldest first.
func (q *DecisionQueue) Pending() ([]*Decision, error) {
	all, err := q.List()
	if err != nil {
		return nil, err
	}
	var pending []*Decision
	for _, d := range all {
		if d.Status == DecisionPending {
			pending = append(pending, d)
		}
	}
	return pending, nil
}

// List reads every decision record in the den, oldest first.
func (q *DecisionQueue) List() ([]*Decision, error) {
	entries, err := os.ReadDir(q.layout.DecisionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}

	var out []*Decision
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		d, err := q.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			// Tolerate records mid-rename or foreign files in the directory.
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Cleanup removes decision records older than maxAge regardless of status.
// Returns how many were removed.
func (q *DecisionQueue) Cleanup(maxAge time.Duration) (int, error) {
	all, err := q.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, d := range all {
		if d.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(q.layout.DecisionPath(d.ID)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove decision %s: %w", d.ID, err)
		}
		removed++
	}
	return removed, nil
}

// mutate rewrites one record under its per-record lock. fn sees the current
// record; returning ErrNoChange skips the write, any other error aborts.
func (q *DecisionQueue) mutate(ctx context.Context, decisionID string, fn func(*Decision) error) error {
	lock, err := AcquireLock(ctx, q.layout, "decision-"+decisionID, decisionLockWait)
	if err != nil {
		return err
	}
	defer lock.Release()

	d, err := q.Get(decisionID)
	if err != nil {
		return err
	}
	if err := fn(d); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	return q.write(d)
}

// write persists a record atomically via a sibling temp file and rename.
func (q *DecisionQueue) write(d *Decision) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal decision %s: %w", d.ID, err)
	}
	data = append(data, '\n')

	path := q.layout.DecisionPath(d.ID)
	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write decision temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit decision %s: %w", d.ID, err)
	}
	return nil
}

func (q *DecisionQueue) notify(ctx context.Context, ev Event) {
	if err := q.notifier.Notify(ctx, ev); err != nil {
		log.Printf("[Decisions] Warning: failed to deliver %s notification: %v", ev.Type, err)
	}
}
