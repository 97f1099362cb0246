package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
)

// BudgetConfig contains spend caps in USD. A zero weekly cap disables that window.
type BudgetConfig struct {
	DailyBudgetUSD   float64
	WeeklyBudgetUSD  float64
	MonthlyBudgetUSD float64
}

// ConfigFromAM reads caps from the [pulse] section
func ConfigFromAM(cfg *am.Config) BudgetConfig {
	return BudgetConfig{
		DailyBudgetUSD:   cfg.Pulse.DailyBudgetUSD,
		WeeklyBudgetUSD:  cfg.Pulse.WeeklyBudgetUSD,
		MonthlyBudgetUSD: cfg.Pulse.MonthlyBudgetUSD,
	}
}

// Status represents current budget state
type Status struct {
	DailySpend       float64 `json:"daily_spend"`
	WeeklySpend      float64 `json:"weekly_spend"`
	MonthlySpend     float64 `json:"monthly_spend"`
	DailyRemaining   float64 `json:"daily_remaining"`
	WeeklyRemaining  float64 `json:"weekly_remaining"`
	MonthlyRemaining float64 `json:"monthly_remaining"`
	DailyOps         int     `json:"daily_ops"`
	WeeklyOps        int     `json:"weekly_ops"`
	MonthlyOps       int     `json:"monthly_ops"`
}

// Tracker tracks and enforces budget limits
type Tracker struct {
	store  *Store
	config BudgetConfig
	now    func() time.Time
	mu     sync.RWMutex // Protects config from concurrent read/write
}

// NewTracker creates a new budget tracker
func NewTracker(db *sql.DB, config BudgetConfig) *Tracker {
	return NewTrackerWithClock(db, config, time.Now)
}

// NewTrackerWithClock creates a tracker with an injectable clock (for testing)
func NewTrackerWithClock(db *sql.DB, config BudgetConfig, now func() time.Time) *Tracker {
	return &Tracker{
		store:  NewStore(db),
		config: config,
		now:    now,
	}
}

// RecordCost stores one cost entry, stamping it with the tracker clock when unset
func (bt *Tracker) RecordCost(ctx context.Context, rec CostRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = bt.now()
	}
	return bt.store.Insert(ctx, rec)
}

// JobCost returns billed spend attributed to a job
func (bt *Tracker) JobCost(ctx context.Context, jobID string) (float64, error) {
	return bt.store.JobCost(ctx, jobID)
}

// GetStatus returns spend over the 24h, 7d and 30d sliding windows
func (bt *Tracker) GetStatus(ctx context.Context) (*Status, error) {
	now := bt.now()

	dailySpend, dailyOps, err := bt.store.SpendSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get daily spend")
	}
	weeklySpend, weeklyOps, err := bt.store.SpendSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get weekly spend")
	}
	monthlySpend, monthlyOps, err := bt.store.SpendSince(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get monthly spend")
	}

	limits := bt.GetBudgetLimits()

	return &Status{
		DailySpend:       dailySpend,
		WeeklySpend:      weeklySpend,
		MonthlySpend:     monthlySpend,
		DailyRemaining:   limits.DailyBudgetUSD - dailySpend,
		WeeklyRemaining:  limits.WeeklyBudgetUSD - weeklySpend,
		MonthlyRemaining: limits.MonthlyBudgetUSD - monthlySpend,
		DailyOps:         dailyOps,
		WeeklyOps:        weeklyOps,
		MonthlyOps:       monthlyOps,
	}, nil
}

// CheckBudget returns an error marked errors.ErrBudgetExceeded when the
// estimated cost would push any window over its cap.
func (bt *Tracker) CheckBudget(ctx context.Context, estimatedCostUSD float64) error {
	status, err := bt.GetStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get budget status")
	}

	limits := bt.GetBudgetLimits()

	if status.DailySpend+estimatedCostUSD > limits.DailyBudgetUSD {
		return exceeded("daily", status.DailySpend, estimatedCostUSD, limits.DailyBudgetUSD)
	}
	if limits.WeeklyBudgetUSD > 0 && status.WeeklySpend+estimatedCostUSD > limits.WeeklyBudgetUSD {
		return exceeded("weekly", status.WeeklySpend, estimatedCostUSD, limits.WeeklyBudgetUSD)
	}
	if status.MonthlySpend+estimatedCostUSD > limits.MonthlyBudgetUSD {
		return exceeded("monthly", status.MonthlySpend, estimatedCostUSD, limits.MonthlyBudgetUSD)
	}
	return nil
}

func exceeded(window string, spend, estimate, limit float64) error {
	err := errors.Newf("%s budget would be exceeded: current $%.3f + estimated $%.3f > limit $%.2f",
		window, spend, estimate, limit)
	err = errors.WithDetail(err, fmt.Sprintf("Window: %s", window))
	return errors.Mark(err, errors.ErrBudgetExceeded)
}

// UpdateDailyBudget changes the daily cap at runtime
func (bt *Tracker) UpdateDailyBudget(newBudgetUSD float64) error {
	if newBudgetUSD < 0 {
		return errors.NewInvalidInputError("daily budget cannot be negative: %.2f", newBudgetUSD)
	}
	bt.mu.Lock()
	bt.config.DailyBudgetUSD = newBudgetUSD
	bt.mu.Unlock()
	return nil
}

// UpdateMonthlyBudget changes the monthly cap at runtime
func (bt *Tracker) UpdateMonthlyBudget(newBudgetUSD float64) error {
	if newBudgetUSD < 0 {
		return errors.NewInvalidInputError("monthly budget cannot be negative: %.2f", newBudgetUSD)
	}
	bt.mu.Lock()
	bt.config.MonthlyBudgetUSD = newBudgetUSD
	bt.mu.Unlock()
	return nil
}

// ApplyConfig swaps in caps from a reloaded configuration
func (bt *Tracker) ApplyConfig(cfg *am.Config) {
	bt.mu.Lock()
	bt.config = ConfigFromAM(cfg)
	bt.mu.Unlock()
}

// GetBudgetLimits returns the current budget configuration limits
func (bt *Tracker) GetBudgetLimits() BudgetConfig {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.config
}
