// Package inbox folds externally posted decision answers into the den.
//
// Answers arrive from outside the orchestrator process: a human running
// `drey answer`, a chat-ops bridge, or any tool that can drop a JSON file or
// publish to the bus. The inbox applies each answer to the decision queue,
// which makes it visible to the awaiting worker through the record file.
//
// Two sources feed the inbox:
//   - the answers directory in the den, polled for {"decision_id","answer",
//     "answered_by"} JSON files
//   - the redis answers channel, when a bus is configured
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/den"
)

// defaultPollInterval is how often the answers directory is re-scanned.
const defaultPollInterval = 2 * time.Second

// Inbox applies posted answers to the decision queue.
type Inbox struct {
	queue    *den.DecisionQueue
	layout   den.Layout
	interval time.Duration
}

// New creates an inbox over the den layout.
func New(queue *den.DecisionQueue, layout den.Layout) *Inbox {
	return &Inbox{queue: queue, layout: layout, interval: defaultPollInterval}
}

// Run polls the answers directory until the context ends. Each pass applies
// every answer file present.
func (i *Inbox) Run(ctx context.Context) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		if _, err := i.Sweep(ctx); err != nil {
			log.Printf("[Inbox] Warning: sweep failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep applies every answer file currently in the answers directory and
// returns how many answers were applied. Files are removed once applied or
// once they prove unusable; files hitting transient errors stay for the next
// sweep.
func (i *Inbox) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(i.layout.AnswersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list answers: %w", err)
	}

	applied := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(i.layout.AnswersDir(), e.Name())
		ok, err := i.applyFile(ctx, path)
		if err != nil {
			log.Printf("[Inbox] Warning: failed to apply %s: %v", e.Name(), err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// applyFile applies one answer file. Returns (true, nil) when the answer was
// applied (including idempotent replays), (false, nil) when the file was
// discarded as unusable, and (false, err) when the file hit a transient error
// and was kept for the next sweep.
func (i *Inbox) applyFile(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	var a bus.Answer
	if err := json.Unmarshal(data, &a); err != nil {
		log.Printf("[Inbox] Warning: discarding malformed answer file %s: %v", filepath.Base(path), err)
		return false, i.discard(path)
	}
	if err := a.Validate(); err != nil {
		log.Printf("[Inbox] Warning: discarding incomplete answer file %s: %v", filepath.Base(path), err)
		return false, i.discard(path)
	}

	if err := i.apply(ctx, a); err != nil {
		if permanentAnswerError(err) {
			log.Printf("[Inbox] Warning: discarding answer for %s: %v", a.DecisionID, err)
			return false, i.discard(path)
		}
		return false, err
	}

	return true, i.discard(path)
}

// apply posts one answer to the decision queue.
func (i *Inbox) apply(ctx context.Context, a bus.Answer) error {
	if err := i.queue.Answer(ctx, a.DecisionID, a.Answer, a.AnsweredBy); err != nil {
		return err
	}
	log.Printf("[Inbox] Applied answer %q to decision %s (from %s)", a.Answer, a.DecisionID, a.AnsweredBy)
	return nil
}

func (i *Inbox) discard(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove answer file: %w", err)
	}
	return nil
}

// ConsumeBus applies answers from a bus subscription until the context ends
// or the subscription closes.
func (i *Inbox) ConsumeBus(ctx context.Context, sub *bus.AnswerSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			log.Printf("[Inbox] Warning: bus subscription error: %v", err)
		case a, ok := <-sub.Answers():
			if !ok {
				return
			}
			if err := i.apply(ctx, *a); err != nil {
				log.Printf("[Inbox] Warning: failed to apply bus answer for %s: %v", a.DecisionID, err)
			}
		}
	}
}

// permanentAnswerError reports whether retrying the answer can never succeed.
func permanentAnswerError(err error) bool {
	return errors.Is(err, den.ErrDecisionNotFound) ||
		errors.Is(err, den.ErrInvalidAnswer) ||
		errors.Is(err, den.ErrAlreadyAnswered) ||
		errors.Is(err, den.ErrDecisionClosed)
}
