package db

import (
	"context"
	"database/sql"

	"github.com/teranos/codeload/errors"
)

// TableStat is a row count for one table
type TableStat struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// statTables are reported by `codeload db stats`
var statTables = []string{
	"resource_status",
	"jobs",
	"sources",
	"resource_source_mappings",
	"extraction_cache",
	"demand_events",
	"demand_summary",
	"scrape_log",
	"cost_records",
	"regulatory_items",
}

// Stats returns row counts for the core tables
func Stats(ctx context.Context, db *sql.DB) ([]TableStat, error) {
	stats := make([]TableStat, 0, len(statTables))
	for _, table := range statTables {
		var n int64
		// table names come from the fixed list above
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "failed to count %s", table)
		}
		stats = append(stats, TableStat{Table: table, Rows: n})
	}
	return stats, nil
}
