// Package budget meters builder spend against a configured daily cap.
//
// Every builder invocation is priced from its token counts and appended to
// the den cost ledger. The gate aggregates the ledger per UTC day and tells
// workers whether they may keep spending. Going over the cap suspends work
// rather than failing it: workers pause for a cooldown and re-check, so a
// run resumes by itself when the UTC day rolls over or the cap is raised.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/pkg/den"
)

// Gate prices builder invocations and enforces the daily spend cap.
type Gate struct {
	ledger   *den.Ledger
	maxDaily float64 // 0 = unlimited
	costIn   float64 // USD per prompt token
	costOut  float64 // USD per completion token
	cooldown time.Duration
}

// NewGate creates a gate over the den ledger using the configured prices.
func NewGate(ledger *den.Ledger, cfg config.BudgetConfig) *Gate {
	maxDaily := 0.0
	if cfg.MaxDailyCost != nil {
		maxDaily = *cfg.MaxDailyCost
	}
	return &Gate{
		ledger:   ledger,
		maxDaily: maxDaily,
		costIn:   cfg.CostPerInputToken,
		costOut:  cfg.CostPerOutputToken,
		cooldown: time.Duration(cfg.CooldownMinutes) * time.Minute,
	}
}

// Cost returns the USD price of one builder invocation.
func (g *Gate) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*g.costIn + float64(tokensOut)*g.costOut
}

// Record prices an invocation, appends it to the ledger, and returns the cost.
func (g *Gate) Record(ctx context.Context, workerID, featureID string, tokensIn, tokensOut int) (float64, error) {
	cost := g.Cost(tokensIn, tokensOut)
	entry := den.LedgerEntry{
		WorkerID:  workerID,
		FeatureID: featureID,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
	}
	if err := g.ledger.Append(ctx, entry); err != nil {
		return 0, fmt.Errorf("failed to record cost: %w", err)
	}
	return cost, nil
}

// SpentToday returns the total recorded spend for the current UTC day.
func (g *Gate) SpentToday() (float64, error) {
	return g.SpentOn(time.Now())
}

// SpentOn returns the total recorded spend for the UTC day containing t.
func (g *Gate) SpentOn(t time.Time) (float64, error) {
	return g.ledger.DailyTotal(t)
}

// WithinBudget reports whether today's spend is strictly under the daily cap,
// along with the spend itself. A cap of 0 means unlimited.
func (g *Gate) WithinBudget() (bool, float64, error) {
	spent, err := g.SpentToday()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check budget: %w", err)
	}
	if g.maxDaily <= 0 {
		return true, spent, nil
	}
	return spent < g.maxDaily, spent, nil
}

// DailyCap returns the configured daily cap in USD (0 = unlimited).
func (g *Gate) DailyCap() float64 {
	return g.maxDaily
}

// Cooldown returns how long a worker pauses before re-checking the budget.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}
