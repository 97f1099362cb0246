// Package demand records resource requests and rolls them up into the
// 24h/7d summaries the scheduler blends into job priority.
package demand

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
)

// Event types recorded by the consumer API
const (
	EventStatus      = "status"
	EventLoadRequest = "load_request"
)

// Rollup windows
const (
	ShortWindow = 24 * time.Hour
	LongWindow  = 7 * 24 * time.Hour
)

// Summary is the derived request volume for one resource key
type Summary struct {
	ResourceKey     string     `json:"resource_key"`
	Count24h        int        `json:"count_24h"`
	Count7d         int        `json:"count_7d"`
	LastRequestedAt *time.Time `json:"last_requested_at,omitempty"`
	RefreshedAt     time.Time  `json:"refreshed_at"`
}

// Tracker appends demand events and maintains demand_summary
type Tracker struct {
	db  *sql.DB
	now func() time.Time
	log *zap.SugaredLogger
}

// NewTracker creates a demand tracker on the wall clock
func NewTracker(db *sql.DB) *Tracker {
	return NewTrackerWithClock(db, time.Now)
}

// NewTrackerWithClock creates a demand tracker with an injectable clock (tests)
func NewTrackerWithClock(db *sql.DB, now func() time.Time) *Tracker {
	return &Tracker{
		db:  db,
		now: now,
		log: logger.ComponentLogger("demand"),
	}
}

// Record appends one demand event. requesterID may be empty.
func (t *Tracker) Record(ctx context.Context, resourceKey, requesterID, eventType string) error {
	if resourceKey == "" {
		return errors.NewInvalidInputError("demand event needs a resource key")
	}
	if eventType == "" {
		return errors.NewInvalidInputError("demand event needs an event type")
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO demand_events (resource_key, requester_id, event_type, created_at)
		VALUES (?, ?, ?, ?)
	`, resourceKey, sql.NullString{String: requesterID, Valid: requesterID != ""}, eventType, t.now().UTC())
	if err != nil {
		err = errors.Wrap(err, "failed to record demand event")
		return errors.WithDetailf(err, "Resource: %s", resourceKey)
	}
	return nil
}

// RefreshSummaries rebuilds demand_summary from the event log in one
// transaction and returns the number of summarized keys. Windows exclude
// their lower bound: an event exactly 24h old is outside count_24h.
func (t *Tracker) RefreshSummaries(ctx context.Context) (int, error) {
	now := t.now().UTC()
	since24h := now.Add(-ShortWindow)
	since7d := now.Add(-LongWindow)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin demand refresh")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM demand_summary`); err != nil {
		return 0, errors.Wrap(err, "failed to clear demand summaries")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO demand_summary (resource_key, count_24h, count_7d, last_requested_at, refreshed_at)
		SELECT
			resource_key,
			SUM(CASE WHEN created_at > ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN created_at > ? THEN 1 ELSE 0 END),
			MAX(created_at),
			?
		FROM demand_events
		GROUP BY resource_key
	`, since24h, since7d, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to rebuild demand summaries")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit demand refresh")
	}

	n, _ := res.RowsAffected()
	t.log.Debugw("Demand summaries refreshed", logger.FieldCount, n)
	return int(n), nil
}

// Summary returns the rollup for a key, or nil when the key was never summarized
func (t *Tracker) Summary(ctx context.Context, resourceKey string) (*Summary, error) {
	var s Summary
	var last sql.NullTime
	err := t.db.QueryRowContext(ctx, `
		SELECT resource_key, count_24h, count_7d, last_requested_at, refreshed_at
		FROM demand_summary
		WHERE resource_key = ?
	`, resourceKey).Scan(&s.ResourceKey, &s.Count24h, &s.Count7d, &last, &s.RefreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		err = errors.Wrap(err, "failed to load demand summary")
		return nil, errors.WithDetailf(err, "Resource: %s", resourceKey)
	}
	if last.Valid {
		ts := last.Time
		s.LastRequestedAt = &ts
	}
	return &s, nil
}

// DemandCounts adapts Summary for the scheduler's priority blend
func (t *Tracker) DemandCounts(ctx context.Context, resourceKey string) (int, int, bool, error) {
	s, err := t.Summary(ctx, resourceKey)
	if err != nil || s == nil {
		return 0, 0, false, err
	}
	return s.Count24h, s.Count7d, true, nil
}

// Top returns the most requested keys by 24h then 7d volume
func (t *Tracker) Top(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT resource_key, count_24h, count_7d, last_requested_at, refreshed_at
		FROM demand_summary
		ORDER BY count_24h DESC, count_7d DESC, resource_key ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list demand summaries")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var last sql.NullTime
		if err := rows.Scan(&s.ResourceKey, &s.Count24h, &s.Count7d, &last, &s.RefreshedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan demand summary")
		}
		if last.Valid {
			ts := last.Time
			s.LastRequestedAt = &ts
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate demand summaries")
}

// PruneEvents deletes events older than the retention window
func (t *Tracker) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.NewInvalidInputError("retention must be positive, got %s", olderThan)
	}
	cutoff := t.now().UTC().Add(-olderThan)
	res, err := t.db.ExecContext(ctx, `DELETE FROM demand_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune demand events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
