// Package notify delivers den events to humans and external systems.
//
// The den emits an event after every committed state change; implementations
// here decide where those events go. Delivery is at-most-once and never
// blocks or rolls back the change it describes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/den"
)

// Log writes one line per event to the process log.
type Log struct{}

// Notify implements den.Notifier.
func (Log) Notify(_ context.Context, ev den.Event) error {
	log.Printf("[Event] %s", Summarize(ev))
	return nil
}

// Redis publishes events to the instance bus for live watchers.
type Redis struct {
	client *bus.Client
}

// NewRedis creates a notifier publishing to the given bus client.
func NewRedis(client *bus.Client) *Redis {
	return &Redis{client: client}
}

// Notify implements den.Notifier.
func (r *Redis) Notify(ctx context.Context, ev den.Event) error {
	return r.client.PublishEvent(ctx, ev)
}

// Multi fans one event out to several notifiers. Every notifier is attempted;
// failures are joined into one error.
type Multi []den.Notifier

// Notify implements den.Notifier.
func (m Multi) Notify(ctx context.Context, ev den.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Summarize renders an event as one human-readable line.
func Summarize(ev den.Event) string {
	switch ev.Type {
	case den.EventStarted:
		return "run started"
	case den.EventClaimed:
		return fmt.Sprintf("%s claimed %s", ev.WorkerID, ev.FeatureID)
	case den.EventCompleted:
		if ev.PRURL != "" {
			return fmt.Sprintf("%s completed by %s (%s)", ev.FeatureID, ev.WorkerID, ev.PRURL)
		}
		return fmt.Sprintf("%s completed by %s", ev.FeatureID, ev.WorkerID)
	case den.EventBlocked:
		return fmt.Sprintf("%s blocked: %s", ev.FeatureID, ev.Reason)
	case den.EventReleased:
		return fmt.Sprintf("%s released from %s: %s", ev.FeatureID, ev.WorkerID, ev.Reason)
	case den.EventDecisionNeeded:
		return fmt.Sprintf("decision %s from %s: %s [%s]",
			ev.DecisionID, ev.WorkerID, ev.Question, strings.Join(ev.Options, " | "))
	case den.EventDecisionAnswered:
		return fmt.Sprintf("decision %s answered: %s", ev.DecisionID, ev.Answer)
	case den.EventProgress:
		if ev.Counts != nil {
			return fmt.Sprintf("progress: %d pending, %d in progress, %d completed, %d blocked",
				ev.Counts.Pending, ev.Counts.InProgress, ev.Counts.Completed, ev.Counts.Blocked)
		}
		return "progress"
	case den.EventCost:
		return fmt.Sprintf("daily spend $%.2f of $%.2f cap", ev.Cost, ev.Cap)
	case den.EventPlanReady:
		return "merge plan written"
	default:
		return string(ev.Type)
	}
}
