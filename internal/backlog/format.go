// Package backlog renders den state for CLI display: the feature table,
// decision listings, lock listings, and the cost breakdown.
package backlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/drey/pkg/den"
)

// FormatTable writes the feature backlog as a formatted table.
// Returns the number of features written.
func FormatTable(w io.Writer, catalog *den.Catalog, state *den.State) int {
	if len(state.Features) == 0 {
		fmt.Fprintf(w, "No features in the backlog\n")
		return 0
	}

	fmt.Fprintf(w, "%-20s %-12s %-12s %-8s %-8s %s\n",
		"ID", "STATUS", "CLAIMED BY", "CI", "AGE", "DETAIL")
	fmt.Fprintf(w, "%-20s %-12s %-12s %-8s %-8s %s\n",
		"--------------------", "------------", "------------", "--------", "--------", "----------------------------------------")

	for _, f := range state.Features {
		fmt.Fprintf(w, "%-20s %-12s %-12s %-8s %-8s %s\n",
			truncate(f.ID, 20),
			f.Status,
			dash(f.ClaimedBy),
			formatCI(f),
			formatAge(featureAge(f)),
			featureDetail(catalog, f),
		)
	}

	c := state.Counts()
	fmt.Fprintf(w, "\n%d features: %d pending, %d in progress, %d completed, %d blocked\n",
		len(state.Features), c.Pending, c.InProgress, c.Completed, c.Blocked)

	return len(state.Features)
}

// FormatJSON writes the state document as pretty-printed JSON.
func FormatJSON(w io.Writer, state *den.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// FormatDecisionTable writes decisions as a formatted table, oldest first.
// Returns the number of decisions written.
func FormatDecisionTable(w io.Writer, decisions []*den.Decision) int {
	if len(decisions) == 0 {
		fmt.Fprintf(w, "No decisions found\n")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-10s %-15s %-8s %s\n",
		"ID", "STATUS", "FEATURE", "AGE", "QUESTION")
	fmt.Fprintf(w, "%-10s %-10s %-15s %-8s %s\n",
		"----------", "----------", "---------------", "--------", "----------------------------------------")

	for _, d := range decisions {
		fmt.Fprintf(w, "%-10s %-10s %-15s %-8s %s\n",
			formatID(d.ID),
			d.Status,
			dash(truncate(d.FeatureID, 15)),
			formatAge(d.CreatedAt),
			firstLine(d.Question, 40),
		)
	}

	countMsg := "decision"
	if len(decisions) != 1 {
		countMsg = "decisions"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(decisions), countMsg)

	return len(decisions)
}

// FormatSingleDecision writes one decision as pretty-printed JSON.
// Used in get mode to display complete decision details.
func FormatSingleDecision(w io.Writer, d *den.Decision) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal decision to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// LockInfo pairs a held lock name with its owner record, when readable.
type LockInfo struct {
	Name  string
	Owner *den.LockOwner
}

// FormatLockTable writes held locks as a formatted table.
// Returns the number of locks written.
func FormatLockTable(w io.Writer, locks []LockInfo) int {
	if len(locks) == 0 {
		fmt.Fprintf(w, "No locks held\n")
		return 0
	}

	fmt.Fprintf(w, "%-25s %-8s %-20s %s\n", "NAME", "PID", "HOST", "AGE")
	fmt.Fprintf(w, "%-25s %-8s %-20s %s\n",
		"-------------------------", "--------", "--------------------", "--------")

	for _, l := range locks {
		pid, host, age := "-", "-", "-"
		if l.Owner != nil {
			pid = fmt.Sprintf("%d", l.Owner.PID)
			host = truncate(l.Owner.Host, 20)
			age = formatAge(l.Owner.AcquiredAt)
		}
		fmt.Fprintf(w, "%-25s %-8s %-20s %s\n", truncate(l.Name, 25), pid, host, age)
	}

	countMsg := "lock"
	if len(locks) != 1 {
		countMsg = "locks"
	}
	fmt.Fprintf(w, "\n%d %s held\n", len(locks), countMsg)

	return len(locks)
}

// costRow is the per-feature aggregation of ledger entries.
type costRow struct {
	FeatureID string
	Calls     int
	TokensIn  int
	TokensOut int
	Cost      float64
}

// FormatCostTable aggregates ledger entries per feature and writes them as
// a formatted table with a total row. Returns the number of features written.
func FormatCostTable(w io.Writer, entries []den.LedgerEntry) int {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No costs recorded\n")
		return 0
	}

	byFeature := map[string]*costRow{}
	for _, e := range entries {
		id := e.FeatureID
		if id == "" {
			id = "-"
		}
		row, ok := byFeature[id]
		if !ok {
			row = &costRow{FeatureID: id}
			byFeature[id] = row
		}
		row.Calls++
		row.TokensIn += e.TokensIn
		row.TokensOut += e.TokensOut
		row.Cost += e.Cost
	}

	rows := make([]*costRow, 0, len(byFeature))
	for _, row := range byFeature {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].FeatureID < rows[j].FeatureID })

	fmt.Fprintf(w, "%-20s %-7s %-11s %-11s %s\n",
		"FEATURE", "CALLS", "TOKENS IN", "TOKENS OUT", "COST")
	fmt.Fprintf(w, "%-20s %-7s %-11s %-11s %s\n",
		"--------------------", "-------", "-----------", "-----------", "----------")

	var total costRow
	for _, row := range rows {
		fmt.Fprintf(w, "%-20s %-7d %-11d %-11d $%.4f\n",
			truncate(row.FeatureID, 20), row.Calls, row.TokensIn, row.TokensOut, row.Cost)
		total.Calls += row.Calls
		total.TokensIn += row.TokensIn
		total.TokensOut += row.TokensOut
		total.Cost += row.Cost
	}

	fmt.Fprintf(w, "%-20s %-7d %-11d %-11d $%.4f\n",
		"TOTAL", total.Calls, total.TokensIn, total.TokensOut, total.Cost)

	return len(rows)
}

// featureAge picks the timestamp most relevant to the feature's status.
func featureAge(f *den.FeatureState) time.Time {
	switch {
	case f.Status == den.StatusCompleted && f.CompletedAt != nil:
		return *f.CompletedAt
	case f.ClaimedAt != nil:
		return *f.ClaimedAt
	default:
		return time.Time{}
	}
}

// featureDetail summarizes the most useful extra column per status: the
// blocked reason, the PR URL, or the branch.
func featureDetail(catalog *den.Catalog, f *den.FeatureState) string {
	switch f.Status {
	case den.StatusBlocked:
		return firstLine(f.BlockedReason, 40)
	case den.StatusCompleted:
		if f.PRURL != "" {
			return f.PRURL
		}
		return dash(f.Branch)
	case den.StatusInProgress:
		return dash(f.Branch)
	default:
		if cf := catalog.Feature(f.ID); cf != nil && len(cf.DependsOn) > 0 {
			return "needs " + strings.Join(cf.DependsOn, ", ")
		}
		return "-"
	}
}

// formatCI renders the CI column: outcome plus failure count when nonzero.
func formatCI(f *den.FeatureState) string {
	if f.CIStatus == den.CIUnset {
		return "-"
	}
	if f.CIAttempts > 0 {
		return fmt.Sprintf("%s/%d", f.CIStatus, f.CIAttempts)
	}
	return string(f.CIStatus)
}

// formatID truncates a decision ID to the first 8 characters for compact display.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens a string to fit a column, marking the cut with "...".
func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

// dash substitutes "-" for empty values in table cells.
func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// firstLine truncates a value to its first non-empty line, capped at max
// characters. Empty values return "-".
func firstLine(s string, max int) string {
	if s == "" {
		return "-"
	}

	var line string
	for _, l := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(l)
		if trimmed != "" {
			line = trimmed
			break
		}
	}
	if line == "" {
		return "-"
	}
	return truncate(line, max)
}

// formatAge formats a timestamp as relative time like "2m ago".
// Zero timestamps return "-".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
