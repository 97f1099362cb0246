// Package resource holds the per-key load status and the extracted rule items.
package resource

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/codeload/errors"
)

// State of a resource key
type State string

const (
	StatePending  State = "pending"
	StateLoading  State = "loading"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Status is the last known state of one resource key
type Status struct {
	ResourceKey   string     `json:"resource_key"`
	State         State      `json:"state"`
	ItemCount     int        `json:"item_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatusStore upserts resource_status rows
type StatusStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewStatusStore creates a status store
func NewStatusStore(db *sql.DB) *StatusStore {
	return NewStatusStoreWithClock(db, time.Now)
}

// NewStatusStoreWithClock creates a status store with an injectable clock (tests)
func NewStatusStoreWithClock(db *sql.DB, now func() time.Time) *StatusStore {
	return &StatusStore{db: db, now: now}
}

// Get returns the status for a key, or a pending status when the key was never seen
func (s *StatusStore) Get(ctx context.Context, key string) (*Status, error) {
	st, err := scanStatus(s.db.QueryRowContext(ctx, `
		SELECT resource_key, state, item_count, last_attempt_at, last_success_at,
		       COALESCE(error_message, ''), updated_at
		FROM resource_status WHERE resource_key = ?
	`, key))
	if err == sql.ErrNoRows {
		return &Status{ResourceKey: key, State: StatePending}, nil
	}
	if err != nil {
		err = errors.Wrap(err, "failed to load resource status")
		return nil, errors.WithDetailf(err, "Resource: %s", key)
	}
	return st, nil
}

// MarkLoading records a new attempt. A complete resource keeps its item count
// so readers still see the last good data.
func (s *StatusStore) MarkLoading(ctx context.Context, key string) error {
	if key == "" {
		return errors.NewInvalidInputError("resource key is required")
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_status (resource_key, state, item_count, last_attempt_at, updated_at)
		VALUES (?, 'loading', 0, ?, ?)
		ON CONFLICT(resource_key) DO UPDATE SET
			state = CASE WHEN state = 'complete' THEN 'complete' ELSE 'loading' END,
			last_attempt_at = excluded.last_attempt_at,
			updated_at = excluded.updated_at
	`, key, now, now)
	return s.wrap(err, "failed to mark resource loading", key)
}

// MarkComplete records a successful load. itemCount must be positive.
func (s *StatusStore) MarkComplete(ctx context.Context, key string, itemCount int) error {
	if itemCount <= 0 {
		return errors.NewInvalidInputError("cannot mark %s complete with %d items", key, itemCount)
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_status (resource_key, state, item_count, last_attempt_at, last_success_at, error_message, updated_at)
		VALUES (?, 'complete', ?, ?, ?, NULL, ?)
		ON CONFLICT(resource_key) DO UPDATE SET
			state = 'complete',
			item_count = excluded.item_count,
			last_success_at = excluded.last_success_at,
			error_message = NULL,
			updated_at = excluded.updated_at
	`, key, itemCount, now, now, now)
	return s.wrap(err, "failed to mark resource complete", key)
}

// MarkFailed records a failed load. A resource that loaded before stays
// complete with its old items; only the error is recorded.
func (s *StatusStore) MarkFailed(ctx context.Context, key, message string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_status (resource_key, state, item_count, last_attempt_at, error_message, updated_at)
		VALUES (?, 'failed', 0, ?, ?, ?)
		ON CONFLICT(resource_key) DO UPDATE SET
			state = CASE WHEN state = 'complete' THEN 'complete' ELSE 'failed' END,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`, key, now, message, now)
	return s.wrap(err, "failed to mark resource failed", key)
}

// List returns statuses, optionally filtered by state, most recently updated first
func (s *StatusStore) List(ctx context.Context, state *State, limit int) ([]Status, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT resource_key, state, item_count, last_attempt_at, last_success_at,
		       COALESCE(error_message, ''), updated_at
		FROM resource_status`
	args := []interface{}{}
	if state != nil {
		query += ` WHERE state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY updated_at DESC, resource_key ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list resource statuses")
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan resource status")
		}
		out = append(out, *st)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate resource statuses")
}

func (s *StatusStore) wrap(err error, msg, key string) error {
	if err == nil {
		return nil
	}
	err = errors.Wrap(err, msg)
	return errors.WithDetailf(err, "Resource: %s", key)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStatus(row rowScanner) (*Status, error) {
	var st Status
	var state string
	var attempt, success sql.NullTime
	if err := row.Scan(&st.ResourceKey, &state, &st.ItemCount, &attempt, &success, &st.ErrorMessage, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.State = State(state)
	if attempt.Valid {
		ts := attempt.Time
		st.LastAttemptAt = &ts
	}
	if success.Valid {
		ts := success.Time
		st.LastSuccessAt = &ts
	}
	return &st, nil
}
