// Package budget tracks extraction spend and enforces sliding-window caps.
// Windows are 24h/7d/30d over cost_records, so there is no midnight reset to game.
package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/codeload/errors"
)

// CostRecord is one billable (or cache-served) extraction operation
type CostRecord struct {
	JobID       string
	ResourceKey string
	SourceID    int64
	Operation   string
	Model       string
	TokensUsed  int
	CostUSD     float64
	CacheHit    bool
	CreatedAt   time.Time
}

// Store handles spend queries against cost_records
type Store struct {
	db *sql.DB
}

// NewStore creates a new budget store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert records one cost entry
func (s *Store) Insert(ctx context.Context, rec CostRecord) error {
	if rec.ResourceKey == "" {
		return errors.NewInvalidInputError("cost record needs a resource key")
	}
	if rec.Operation == "" {
		return errors.NewInvalidInputError("cost record needs an operation")
	}
	if rec.CostUSD < 0 {
		return errors.NewInvalidInputError("cost cannot be negative: %.4f", rec.CostUSD)
	}

	query := `
		INSERT INTO cost_records (
			job_id, resource_key, source_id, operation, model,
			tokens_used, cost_usd, cache_hit, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sql.NullString{String: rec.JobID, Valid: rec.JobID != ""},
		rec.ResourceKey,
		sql.NullInt64{Int64: rec.SourceID, Valid: rec.SourceID > 0},
		rec.Operation,
		sql.NullString{String: rec.Model, Valid: rec.Model != ""},
		rec.TokensUsed,
		rec.CostUSD,
		rec.CacheHit,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to record cost")
		return errors.WithDetailf(err, "Resource: %s", rec.ResourceKey)
	}
	return nil
}

// SpendSince sums billed (non cache-hit) cost recorded at or after since
func (s *Store) SpendSince(ctx context.Context, since time.Time) (totalCost float64, opCount int, err error) {
	query := `
		SELECT
			COALESCE(SUM(cost_usd), 0) AS total_cost,
			COUNT(*) AS operation_count
		FROM cost_records
		WHERE created_at >= ?
		  AND cache_hit = 0
	`
	if err := s.db.QueryRowContext(ctx, query, since.UTC()).Scan(&totalCost, &opCount); err != nil {
		return 0, 0, errors.Wrap(err, "failed to query spend")
	}
	return totalCost, opCount, nil
}

// JobCost sums billed cost for one job
func (s *Store) JobCost(ctx context.Context, jobID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE job_id = ? AND cache_hit = 0`,
		jobID).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query job cost")
	}
	return total, nil
}
