package den

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ledgerLockName serializes concurrent appends from multiple processes.
const ledgerLockName = "ledger"

// LedgerEntry is one cost record: an external builder invocation attributed
// to a worker and feature. The on-disk form is one CSV line per entry with
// fields in fixed order: timestamp, worker id, feature id, tokens in,
// tokens out, cost.
type LedgerEntry struct {
	Timestamp time.Time
	WorkerID  string
	FeatureID string
	TokensIn  int
	TokensOut int
	Cost      float64
}

// Ledger is the append-only cost stream in the den. Entries are never
// rewritten in place; aggregation reads the whole file. Appends take the
// ledger lock; reads are lock-free, relying on appends being whole lines.
type Ledger struct {
	layout Layout
}

// NewLedger creates a ledger over the den layout.
func NewLedger(layout Layout) *Ledger {
	return &Ledger{layout: layout}
}

// Append writes one entry to the ledger. A zero Timestamp is stamped with
// the current UTC time.
func (l *Ledger) Append(ctx context.Context, e LedgerEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	lock, err := AcquireLock(ctx, l.layout, ledgerLockName, decisionLockWait)
	if err != nil {
		return err
	}
	defer lock.Release()

	f, err := os.OpenFile(l.layout.LedgerPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	record := []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.WorkerID,
		e.FeatureID,
		strconv.Itoa(e.TokensIn),
		strconv.Itoa(e.TokensOut),
		strconv.FormatFloat(e.Cost, 'f', 6, 64),
	}
	if err := w.Write(record); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush ledger entry: %w", err)
	}
	return nil
}

// Entries reads the whole ledger, oldest first. A missing ledger file is an
// empty ledger, not an error.
func (l *Ledger) Entries() ([]LedgerEntry, error) {
	f, err := os.Open(l.layout.LedgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}

	entries := make([]LedgerEntry, 0, len(records))
	for i, rec := range records {
		e, err := parseLedgerRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DailyTotal sums the cost of entries whose timestamp falls within the UTC
// day containing the given time.
func (l *Ledger) DailyTotal(day time.Time) (float64, error) {
	entries, err := l.Entries()
	if err != nil {
		return 0, err
	}

	dayUTC := day.UTC()
	y, m, d := dayUTC.Date()

	total := 0.0
	for _, e := range entries {
		ey, em, ed := e.Timestamp.UTC().Date()
		if ey == y && em == m && ed == d {
			total += e.Cost
		}
	}
	return total, nil
}

func parseLedgerRecord(rec []string) (LedgerEntry, error) {
	ts, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("bad timestamp %q: %w", rec[0], err)
	}
	tokensIn, err := strconv.Atoi(rec[3])
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("bad tokens_in %q: %w", rec[3], err)
	}
	tokensOut, err := strconv.Atoi(rec[4])
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("bad tokens_out %q: %w", rec[4], err)
	}
	cost, err := strconv.ParseFloat(rec[5], 64)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("bad cost %q: %w", rec[5], err)
	}

	return LedgerEntry{
		Timestamp: ts,
		WorkerID:  rec[1],
		FeatureID: rec[2],
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
	}, nil
}
