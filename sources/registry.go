package sources

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
)

// ResponseTimeAlpha weights the newest sample in the response time average
const ResponseTimeAlpha = 0.2

// brokenAfter is the number of consecutive failures, with no success ever,
// after which a mapping is marked broken
const brokenAfter = 3

const sourceColumns = `
	s.id, s.name, s.kind, s.source_type, s.base_location, COALESCE(s.code_family, ''),
	s.reliability_score, s.avg_response_time_ms, s.success_count, s.failure_count,
	s.is_active, s.rate_limit_per_hour, s.cost_per_request, s.fallback_priority,
	s.created_at, s.updated_at`

// Registry persists sources, their mappings and the scrape log
type Registry struct {
	db  *sql.DB
	now func() time.Time
	log *zap.SugaredLogger
}

// NewRegistry creates a source registry
func NewRegistry(db *sql.DB) *Registry {
	return NewRegistryWithClock(db, time.Now)
}

// NewRegistryWithClock creates a source registry with an injectable clock (tests)
func NewRegistryWithClock(db *sql.DB, now func() time.Time) *Registry {
	return &Registry{db: db, now: now, log: logger.ComponentLogger("sources")}
}

// Upsert inserts a source or updates its descriptive fields by name.
// Learned statistics and the active flag are left alone on update.
func (r *Registry) Upsert(ctx context.Context, src *Source) (int64, error) {
	if strings.TrimSpace(src.Name) == "" {
		return 0, errors.NewInvalidInputError("source needs a name")
	}
	if src.BaseLocation == "" {
		return 0, errors.NewInvalidInputError("source %q needs a base location", src.Name)
	}
	if src.SourceType == "" {
		src.SourceType = TypeModelCode
	}
	if !src.SourceType.Valid() {
		return 0, errors.NewInvalidInputError("source %q has unknown type %q", src.Name, src.SourceType)
	}
	if src.Kind == "" {
		src.Kind = "web"
	}
	if src.RateLimitPerHour < 0 {
		return 0, errors.NewInvalidInputError("source %q has negative rate limit", src.Name)
	}

	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (
			name, kind, source_type, base_location, code_family,
			rate_limit_per_hour, cost_per_request, fallback_priority,
			is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			source_type = excluded.source_type,
			base_location = excluded.base_location,
			code_family = excluded.code_family,
			rate_limit_per_hour = excluded.rate_limit_per_hour,
			cost_per_request = excluded.cost_per_request,
			fallback_priority = excluded.fallback_priority,
			updated_at = excluded.updated_at
	`,
		src.Name, src.Kind, string(src.SourceType), src.BaseLocation,
		sql.NullString{String: src.CodeFamily, Valid: src.CodeFamily != ""},
		src.RateLimitPerHour, src.CostPerRequest, src.FallbackPriority,
		now, now,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to upsert source")
		return 0, errors.WithDetailf(err, "Source: %s", src.Name)
	}

	stored, err := r.GetByName(ctx, src.Name)
	if err != nil {
		return 0, err
	}
	src.ID = stored.ID
	return stored.ID, nil
}

// Get loads a source by id
func (r *Registry) Get(ctx context.Context, id int64) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources s WHERE s.id = ?`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("source not found: %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load source %d", id)
	}
	return src, nil
}

// GetByName loads a source by its unique name
func (r *Registry) GetByName(ctx context.Context, name string) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources s WHERE s.name = ?`, name)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("source not found: %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load source %q", name)
	}
	return src, nil
}

// List returns all sources, most reliable first
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources s`
	if activeOnly {
		query += ` WHERE s.is_active = 1`
	}
	query += ` ORDER BY s.reliability_score DESC, s.name ASC`
	return r.query(ctx, query)
}

// SetActive enables or disables a source. Attempts never disable a source on
// their own; this is the operator's switch.
func (r *Registry) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sources SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, r.now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update source %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("source not found: %d", id)
	}
	r.log.Infow("Source activation changed", logger.FieldSourceID, id, "active", active)
	return nil
}

// RankSources returns the active sources mapped to a resource key, best first.
// Broken mappings are excluded. Verified mappings come first, then mapping
// success rate, source reliability, response time and authority.
func (r *Registry) RankSources(ctx context.Context, resourceKey string) ([]Source, error) {
	query := `
		SELECT ` + sourceColumns + `
		FROM resource_source_mappings m
		JOIN sources s ON s.id = m.source_id
		WHERE m.resource_key = ?
		  AND m.verification_status != 'broken'
		  AND s.is_active = 1
		ORDER BY
			CASE m.verification_status WHEN 'verified' THEN 0 ELSE 1 END,
			m.success_rate DESC,
			s.reliability_score DESC,
			s.avg_response_time_ms ASC,
			CASE s.source_type
				WHEN 'amendment' THEN 4
				WHEN 'municipal_code' THEN 3
				WHEN 'state_code' THEN 2
				ELSE 1
			END DESC,
			s.id ASC
	`
	out, err := r.query(ctx, query, resourceKey)
	if err != nil {
		return nil, errors.WithDetailf(err, "Resource: %s", resourceKey)
	}
	return out, nil
}

// Fallback resolves the fallback set. Named sources are returned in the given
// order, skipping unknown or inactive ones. With no names, every source with
// a fallback priority is returned, lowest priority number first.
func (r *Registry) Fallback(ctx context.Context, names []string) ([]Source, error) {
	if len(names) == 0 {
		return r.query(ctx, `
			SELECT `+sourceColumns+` FROM sources s
			WHERE s.fallback_priority > 0 AND s.is_active = 1
			ORDER BY s.fallback_priority ASC, s.name ASC
		`)
	}

	out := make([]Source, 0, len(names))
	for _, name := range names {
		src, err := r.GetByName(ctx, name)
		if errors.IsNotFoundError(err) {
			r.log.Warnw("Fallback source not in registry", logger.FieldSourceName, name)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !src.IsActive {
			continue
		}
		out = append(out, *src)
	}
	return out, nil
}

// RecordAttempt folds one fetch outcome into the source's statistics in a
// single statement. Reliability is Laplace-smoothed: (s+1)/(s+f+2).
func (r *Registry) RecordAttempt(ctx context.Context, sourceID int64, success bool, responseTimeMs int64) error {
	if responseTimeMs < 0 {
		responseTimeMs = 0
	}
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sources SET
			success_count = success_count + ?,
			failure_count = failure_count + ?,
			avg_response_time_ms = CASE
				WHEN success_count + failure_count = 0 THEN ?
				ELSE avg_response_time_ms * (1.0 - ?) + ? * ?
			END,
			reliability_score = CAST(success_count + ? + 1 AS REAL) / (success_count + failure_count + 1 + 2),
			updated_at = ?
		WHERE id = ?
	`,
		succ, fail,
		float64(responseTimeMs),
		ResponseTimeAlpha, float64(responseTimeMs), ResponseTimeAlpha,
		succ,
		r.now().UTC(),
		sourceID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record attempt for source %d", sourceID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("source not found: %d", sourceID)
	}
	return nil
}

// MapSource links a resource key to a source. An existing mapping is kept as
// is, so re-discovery never downgrades a verified mapping.
func (r *Registry) MapSource(ctx context.Context, resourceKey string, sourceID int64, method string, status Verification) error {
	if resourceKey == "" {
		return errors.NewInvalidInputError("mapping needs a resource key")
	}
	if method == "" {
		method = DiscoveryManual
	}
	if status == "" {
		status = Unverified
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resource_source_mappings (
			resource_key, source_id, discovery_method, verification_status, created_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_key, source_id) DO NOTHING
	`, resourceKey, sourceID, method, string(status), r.now().UTC())
	if err != nil {
		err = errors.Wrap(err, "failed to map source")
		return errors.WithDetailf(err, "Resource: %s, Source: %d", resourceKey, sourceID)
	}
	return nil
}

// RecordMappingResult updates a mapping's success rate. A success verifies
// the mapping; repeated failures with no success ever mark it broken.
func (r *Registry) RecordMappingResult(ctx context.Context, resourceKey string, sourceID int64, success bool) error {
	succ := 0
	if success {
		succ = 1
	}
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resource_source_mappings (
			resource_key, source_id, discovery_method, verification_status,
			success_rate, attempts, successes, last_checked_at, created_at
		) VALUES (?, ?, 'manual', CASE WHEN ? = 1 THEN 'verified' ELSE 'unverified' END, ?, 1, ?, ?, ?)
		ON CONFLICT(resource_key, source_id) DO UPDATE SET
			attempts = attempts + 1,
			successes = successes + ?,
			success_rate = CAST(successes + ? AS REAL) / (attempts + 1),
			verification_status = CASE
				WHEN ? = 1 THEN 'verified'
				WHEN successes = 0 AND attempts + 1 >= ? THEN 'broken'
				ELSE verification_status
			END,
			last_checked_at = ?
	`,
		resourceKey, sourceID, succ, float64(succ), succ, now, now,
		succ, succ, succ, brokenAfter, now,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to record mapping result")
		return errors.WithDetailf(err, "Resource: %s, Source: %d", resourceKey, sourceID)
	}
	return nil
}

// Mappings lists the mappings for a resource key
func (r *Registry) Mappings(ctx context.Context, resourceKey string) ([]Mapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT resource_key, source_id, discovery_method, verification_status,
		       success_rate, attempts, successes, last_checked_at
		FROM resource_source_mappings
		WHERE resource_key = ?
		ORDER BY source_id
	`, resourceKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list mappings")
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		var status string
		var checked sql.NullTime
		if err := rows.Scan(&m.ResourceKey, &m.SourceID, &m.DiscoveryMethod, &status,
			&m.SuccessRate, &m.Attempts, &m.Successes, &checked); err != nil {
			return nil, errors.Wrap(err, "failed to scan mapping")
		}
		m.VerificationStatus = Verification(status)
		if checked.Valid {
			ts := checked.Time
			m.LastCheckedAt = &ts
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate mappings")
}

// LogScrape appends one attempt to the scrape log
func (r *Registry) LogScrape(ctx context.Context, e ScrapeLogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scrape_log (
			job_id, resource_key, source_id, url, success, http_status,
			response_time_ms, content_bytes, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sql.NullString{String: e.JobID, Valid: e.JobID != ""},
		e.ResourceKey, e.SourceID, e.URL, e.Success,
		sql.NullInt64{Int64: int64(e.HTTPStatus), Valid: e.HTTPStatus != 0},
		e.ResponseTimeMs, e.ContentBytes,
		sql.NullString{String: e.ErrorMessage, Valid: e.ErrorMessage != ""},
		r.now().UTC(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to append scrape log")
		return errors.WithDetailf(err, "Source: %d", e.SourceID)
	}
	return nil
}

// CountScrapes returns how many attempts a job logged
func (r *Registry) CountScrapes(ctx context.Context, jobID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_log WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count scrapes")
	}
	return n, nil
}

func (r *Registry) query(ctx context.Context, query string, args ...interface{}) ([]Source, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sources")
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan source")
		}
		out = append(out, *src)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate sources")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (*Source, error) {
	var src Source
	var sourceType string
	err := row.Scan(
		&src.ID, &src.Name, &src.Kind, &sourceType, &src.BaseLocation, &src.CodeFamily,
		&src.ReliabilityScore, &src.AvgResponseTimeMs, &src.SuccessCount, &src.FailureCount,
		&src.IsActive, &src.RateLimitPerHour, &src.CostPerRequest, &src.FallbackPriority,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	src.SourceType = SourceType(sourceType)
	return &src, nil
}
