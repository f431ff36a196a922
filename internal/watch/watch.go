// Package watch renders the live event stream for `drey watch`: a
// human-readable line per event, or line-delimited JSON for piping.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/den"
)

// OutputFormat selects how events are rendered.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable output with timestamps and emojis
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON for programmatic processing
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q (valid: default, json)", s)
	}
}

// Formatter renders one event to its output.
type Formatter interface {
	Format(ev *den.Event) error
}

// NewFormatter returns the formatter for the requested output format.
func NewFormatter(format OutputFormat, w io.Writer) Formatter {
	if format == OutputFormatJSON {
		return &jsonFormatter{encoder: json.NewEncoder(w)}
	}
	return &defaultFormatter{writer: w}
}

// defaultFormatter writes one human-readable line per event, prefixed with
// the event's own timestamp.
type defaultFormatter struct {
	writer io.Writer
}

func (f *defaultFormatter) Format(ev *den.Event) error {
	_, err := fmt.Fprintf(f.writer, "[%s] %s\n", ev.At.Local().Format("15:04:05"), describe(ev))
	return err
}

// jsonFormatter writes each event as a single JSON line.
type jsonFormatter struct {
	encoder *json.Encoder
}

func (f *jsonFormatter) Format(ev *den.Event) error {
	return f.encoder.Encode(ev)
}

// describe renders the event-type specific line body.
func describe(ev *den.Event) string {
	switch ev.Type {
	case den.EventStarted:
		return fmt.Sprintf("🚀 Run Started: %s", countsSuffix(ev.Counts))
	case den.EventClaimed:
		return fmt.Sprintf("🔖 Claimed: feature=%s by=%s", ev.FeatureID, ev.WorkerID)
	case den.EventCompleted:
		s := fmt.Sprintf("✅ Completed: feature=%s by=%s", ev.FeatureID, ev.WorkerID)
		if ev.PRURL != "" {
			s += " pr=" + ev.PRURL
		}
		return s
	case den.EventBlocked:
		return fmt.Sprintf("🚫 Blocked: feature=%s reason=%s", ev.FeatureID, ev.Reason)
	case den.EventReleased:
		return fmt.Sprintf("🔄 Released: feature=%s from=%s reason=%s", ev.FeatureID, ev.WorkerID, ev.Reason)
	case den.EventDecisionNeeded:
		return fmt.Sprintf("❓ Decision Needed: id=%s feature=%s question=%q options=%s",
			shortID(ev.DecisionID), ev.FeatureID, ev.Question, strings.Join(ev.Options, " | "))
	case den.EventDecisionAnswered:
		return fmt.Sprintf("💬 Decision Answered: id=%s answer=%q by=%s",
			shortID(ev.DecisionID), ev.Answer, ev.WorkerID)
	case den.EventProgress:
		return fmt.Sprintf("📊 Progress: %s", countsSuffix(ev.Counts))
	case den.EventCost:
		return fmt.Sprintf("💰 Budget: spent=$%.2f cap=$%.2f", ev.Cost, ev.Cap)
	case den.EventPlanReady:
		return "📋 Merge Plan Ready"
	default:
		return fmt.Sprintf("Event: %s", ev.Type)
	}
}

func countsSuffix(c *den.Counts) string {
	if c == nil {
		return "-"
	}
	return fmt.Sprintf("%d pending, %d in progress, %d completed, %d blocked",
		c.Pending, c.InProgress, c.Completed, c.Blocked)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// StreamActivity consumes the event subscription until the context ends,
// rendering each event in the requested format. Subscription errors are
// surfaced as lines on the stream; a closed subscription ends the stream
// cleanly.
func StreamActivity(ctx context.Context, sub *bus.EventSubscription, format OutputFormat, w io.Writer) error {
	formatter := NewFormatter(format, w)

	if format == OutputFormatDefault {
		fmt.Fprintf(w, "Watching run events (Ctrl+C to stop)...\n\n")
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := formatter.Format(ev); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			if err != nil {
				fmt.Fprintf(w, "Warning: event stream: %v\n", err)
			}
		}
	}
}
