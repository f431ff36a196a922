package orchestrator

import (
	"fmt"
	"strings"

	"github.com/dyluth/drey/internal/mergeplan"
	"github.com/dyluth/drey/pkg/den"
)

// Report summarizes a finished run.
type Report struct {
	Counts  den.Counts
	Blocked []BlockedFeature
	Spend   float64
	Plan    *mergeplan.Plan // nil unless the backlog drained and planning succeeded
}

// BlockedFeature is one feature the run could not complete.
type BlockedFeature struct {
	ID     string
	Reason string
}

// Render formats the report for terminal output.
func (r *Report) Render() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Final state: %d completed, %d blocked, %d pending, %d in progress",
		r.Counts.Completed, r.Counts.Blocked, r.Counts.Pending, r.Counts.InProgress))
	parts = append(parts, fmt.Sprintf("Spend today: $%.2f", r.Spend))

	if len(r.Blocked) > 0 {
		parts = append(parts, "", "Blocked features:")
		for _, b := range r.Blocked {
			reason := b.Reason
			if reason == "" {
				reason = "(no reason recorded)"
			}
			parts = append(parts, fmt.Sprintf("  - %s: %s", b.ID, reason))
		}
	}

	if r.Plan != nil {
		parts = append(parts, "", fmt.Sprintf("Merge plan (%d features):", len(r.Plan.Items)))
		for _, item := range r.Plan.Items {
			line := fmt.Sprintf("  %d. %s (%s)", item.Position, item.Name, item.Branch)
			if item.PRURL != "" {
				line += " " + item.PRURL
			}
			parts = append(parts, line)
		}
	}

	return strings.Join(parts, "\n") + "\n"
}
