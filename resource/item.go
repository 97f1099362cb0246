package resource

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/codeload/errors"
)

// Requirement kinds
const (
	RequirementMin   = "min"
	RequirementMax   = "max"
	RequirementExact = "exact"
	RequirementRange = "range"
)

// Item is one extracted rule
type Item struct {
	SectionRef  string   `json:"section_ref"`
	CodeFamily  string   `json:"code_family,omitempty"`
	Category    string   `json:"category"`
	Title       string   `json:"title,omitempty"`
	Requirement string   `json:"requirement"`
	Value       float64  `json:"value"`
	ValueMax    *float64 `json:"value_max,omitempty"`
	Unit        string   `json:"unit"`
	Body        string   `json:"body,omitempty"`
	Confidence  float64  `json:"confidence"`
	SourceID    int64    `json:"source_id,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

var unitAliases = map[string]string{
	"inches":      "inch",
	"in":          "inch",
	"in.":         "inch",
	"\"":          "inch",
	"feet":        "ft",
	"foot":        "ft",
	"ft.":         "ft",
	"'":           "ft",
	"millimeters": "mm",
	"millimetres": "mm",
	"centimeters": "cm",
	"centimetres": "cm",
	"meters":      "m",
	"metres":      "m",
	"meter":       "m",
	"square feet": "sqft",
	"sq ft":       "sqft",
	"sq. ft.":     "sqft",
	"pounds":      "lb",
	"lbs":         "lb",
	"percent":     "%",
	"degrees":     "deg",
}

// StandardUnits are the units items are normalized into
var StandardUnits = map[string]bool{
	"inch": true, "ft": true, "mm": true, "cm": true, "m": true,
	"sqft": true, "lb": true, "psf": true, "%": true, "deg": true, "count": true,
}

// NormalizeUnit maps spelled-out and abbreviated units onto StandardUnits
func NormalizeUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	if alias, ok := unitAliases[u]; ok {
		return alias
	}
	return u
}

// NormalizeCategory lowercases and dot-separates a category ("Stair Riser" → "stair.riser")
func NormalizeCategory(category string) string {
	return strings.Join(strings.Fields(strings.ToLower(category)), ".")
}

// Normalize validates an item and returns its canonical form. Items missing a
// category, requirement, unit or section reference are rejected.
func Normalize(it Item) (Item, error) {
	it.SectionRef = strings.TrimSpace(it.SectionRef)
	if it.SectionRef == "" {
		return it, errors.NewInvalidInputError("item has no section reference")
	}
	it.Category = NormalizeCategory(it.Category)
	if it.Category == "" {
		return it, errors.NewInvalidInputError("item %s has no category", it.SectionRef)
	}
	it.Requirement = strings.ToLower(strings.TrimSpace(it.Requirement))
	switch it.Requirement {
	case RequirementMin, RequirementMax, RequirementExact:
	case RequirementRange:
		if it.ValueMax == nil || *it.ValueMax < it.Value {
			return it, errors.NewInvalidInputError("item %s is a range without a valid upper bound", it.SectionRef)
		}
	default:
		return it, errors.NewInvalidInputError("item %s has unknown requirement %q", it.SectionRef, it.Requirement)
	}
	it.Unit = NormalizeUnit(it.Unit)
	if it.Unit == "" {
		return it, errors.NewInvalidInputError("item %s has no unit", it.SectionRef)
	}
	if it.Confidence < 0 {
		it.Confidence = 0
	}
	if it.Confidence > 1 {
		it.Confidence = 1
	}
	return it, nil
}

// ItemStore persists rule items keyed by (resource_key, section_ref)
type ItemStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewItemStore creates an item store
func NewItemStore(db *sql.DB) *ItemStore {
	return NewItemStoreWithClock(db, time.Now)
}

// NewItemStoreWithClock creates an item store with an injectable clock (tests)
func NewItemStoreWithClock(db *sql.DB, now func() time.Time) *ItemStore {
	return &ItemStore{db: db, now: now}
}

// UpsertItems writes items in one transaction. Re-running with the same
// section references overwrites rather than duplicates. Returns the number
// of items written.
func (s *ItemStore) UpsertItems(ctx context.Context, resourceKey string, items []Item) (int, error) {
	if resourceKey == "" {
		return 0, errors.NewInvalidInputError("resource key is required")
	}
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin item upsert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO regulatory_items (
			resource_key, section_ref, code_family, category, title, requirement,
			value, value_max, unit, body, confidence, source_id, fingerprint,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_key, section_ref) DO UPDATE SET
			code_family = excluded.code_family,
			category = excluded.category,
			title = excluded.title,
			requirement = excluded.requirement,
			value = excluded.value,
			value_max = excluded.value_max,
			unit = excluded.unit,
			body = excluded.body,
			confidence = excluded.confidence,
			source_id = excluded.source_id,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prepare item upsert")
	}
	defer stmt.Close()

	now := s.now().UTC()
	for _, it := range items {
		var valueMax sql.NullFloat64
		if it.ValueMax != nil {
			valueMax = sql.NullFloat64{Float64: *it.ValueMax, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			resourceKey, it.SectionRef,
			nullString(it.CodeFamily), it.Category, nullString(it.Title), it.Requirement,
			it.Value, valueMax, it.Unit, nullString(it.Body), it.Confidence,
			sql.NullInt64{Int64: it.SourceID, Valid: it.SourceID > 0},
			nullString(it.Fingerprint),
			now, now,
		)
		if err != nil {
			err = errors.Wrap(err, "failed to upsert item")
			return 0, errors.WithDetailf(err, "Resource: %s, Section: %s", resourceKey, it.SectionRef)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit items")
	}
	return len(items), nil
}

// CountItems returns the number of stored items for a key
func (s *ItemStore) CountItems(ctx context.Context, resourceKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM regulatory_items WHERE resource_key = ?`, resourceKey).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count items")
	}
	return n, nil
}

// ListItems returns the stored items for a key ordered by section
func (s *ItemStore) ListItems(ctx context.Context, resourceKey string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT section_ref, COALESCE(code_family, ''), category, COALESCE(title, ''), requirement,
		       value, value_max, unit, COALESCE(body, ''), confidence, COALESCE(source_id, 0),
		       COALESCE(fingerprint, '')
		FROM regulatory_items
		WHERE resource_key = ?
		ORDER BY section_ref
	`, resourceKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list items")
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var valueMax sql.NullFloat64
		if err := rows.Scan(&it.SectionRef, &it.CodeFamily, &it.Category, &it.Title, &it.Requirement,
			&it.Value, &valueMax, &it.Unit, &it.Body, &it.Confidence, &it.SourceID, &it.Fingerprint); err != nil {
			return nil, errors.Wrap(err, "failed to scan item")
		}
		if valueMax.Valid {
			v := valueMax.Float64
			it.ValueMax = &v
		}
		out = append(out, it)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate items")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
