package extraction

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/codeload/errors"
)

// Entry is one cached extraction
type Entry struct {
	Fingerprint         string
	ContentFamily       string
	Result              *Result
	ConfidenceScore     float64
	OriginalCost        float64
	ReuseCount          int
	CumulativeCostSaved float64
	CreatedAt           time.Time
	LastUsedAt          time.Time
}

// CacheStats summarizes the cache
type CacheStats struct {
	Entries     int     `json:"entries"`
	TotalReuses int     `json:"total_reuses"`
	TotalSaved  float64 `json:"total_saved_usd"`
	TotalSpent  float64 `json:"total_spent_usd"`
}

// Cache stores extraction results by fingerprint
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

// NewCache creates an extraction cache
func NewCache(db *sql.DB) *Cache {
	return NewCacheWithClock(db, time.Now)
}

// NewCacheWithClock creates an extraction cache with an injectable clock (tests)
func NewCacheWithClock(db *sql.DB, now func() time.Time) *Cache {
	return &Cache{db: db, now: now}
}

// Lookup returns the entry for fp, or nil on a miss
func (c *Cache) Lookup(ctx context.Context, fp string) (*Entry, error) {
	var e Entry
	var raw string
	err := c.db.QueryRowContext(ctx, `
		SELECT fingerprint, content_family, extracted_result, confidence_score, original_cost,
		       reuse_count, cumulative_cost_saved, created_at, last_used_at
		FROM extraction_cache WHERE fingerprint = ?
	`, fp).Scan(&e.Fingerprint, &e.ContentFamily, &raw, &e.ConfidenceScore, &e.OriginalCost,
		&e.ReuseCount, &e.CumulativeCostSaved, &e.CreatedAt, &e.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		err = errors.Wrap(err, "failed to look up extraction cache")
		return nil, errors.WithDetailf(err, "Fingerprint: %s", fp)
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		err = errors.Wrap(err, "failed to decode cached extraction")
		return nil, errors.WithDetailf(err, "Fingerprint: %s", fp)
	}
	e.Result = &res
	return &e, nil
}

// Store writes a result once. A fingerprint already present is left untouched.
func (c *Cache) Store(ctx context.Context, fp, family string, result *Result, confidence, cost float64) error {
	if fp == "" {
		return errors.NewInvalidInputError("fingerprint is required")
	}
	if result == nil {
		return errors.NewInvalidInputError("cannot cache an empty result")
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode extraction")
	}

	now := c.now().UTC()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO extraction_cache (
			fingerprint, content_family, extracted_result, confidence_score, original_cost,
			reuse_count, cumulative_cost_saved, created_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`, fp, family, string(raw), confidence, cost, now, now)
	if err != nil {
		err = errors.Wrap(err, "failed to store extraction")
		return errors.WithDetailf(err, "Fingerprint: %s", fp)
	}
	return nil
}

// RecordReuse counts one cache hit and credits the original cost as saved
func (c *Cache) RecordReuse(ctx context.Context, fp string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE extraction_cache SET
			reuse_count = reuse_count + 1,
			cumulative_cost_saved = cumulative_cost_saved + original_cost,
			last_used_at = ?
		WHERE fingerprint = ?
	`, c.now().UTC(), fp)
	if err != nil {
		err = errors.Wrap(err, "failed to record cache reuse")
		return errors.WithDetailf(err, "Fingerprint: %s", fp)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("cache entry not found: %s", fp)
	}
	return nil
}

// Stats aggregates the whole cache
func (c *Cache) Stats(ctx context.Context) (*CacheStats, error) {
	var s CacheStats
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(reuse_count), 0),
		       COALESCE(SUM(cumulative_cost_saved), 0),
		       COALESCE(SUM(original_cost), 0)
		FROM extraction_cache
	`).Scan(&s.Entries, &s.TotalReuses, &s.TotalSaved, &s.TotalSpent)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query cache stats")
	}
	return &s, nil
}
