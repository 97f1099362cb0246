package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("creates every table", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := OpenWithMigrations(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		for _, table := range append([]string{"schema_migrations"}, statTables...) {
			var n int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "table %s should exist", table)
		}
	})

	t.Run("records every migration version", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		files, err := MigrationFiles()
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, len(files), count)
	})
}

func TestMigrate(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")
	})

	t.Run("closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "migrate.go", "stack should reference source file")
	})

	t.Run("migration files are ordered", func(t *testing.T) {
		files, err := MigrationFiles()
		require.NoError(t, err)
		require.NotEmpty(t, files)
		assert.Equal(t, "000_create_schema_migrations.sql", files[0])
	})
}

func TestSchemaConstraints(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	t.Run("complete status requires items", func(t *testing.T) {
		_, err := db.Exec(`INSERT INTO resource_status (resource_key, state, item_count, updated_at)
			VALUES ('denver', 'complete', 0, '2026-01-01 00:00:00')`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CHECK constraint failed")
	})

	t.Run("one active job per resource key and type", func(t *testing.T) {
		insert := `INSERT INTO jobs (id, resource_key, job_type, state, created_at, updated_at)
			VALUES (?, 'austin', 'load_codes', ?, '2026-01-01 00:00:00', '2026-01-01 00:00:00')`

		_, err := db.Exec(insert, "a", "pending")
		require.NoError(t, err)

		_, err = db.Exec(insert, "b", "running")
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))

		// terminal rows do not participate in the index
		_, err = db.Exec(insert, "c", "completed")
		require.NoError(t, err)
		_, err = db.Exec(insert, "d", "failed")
		require.NoError(t, err)
	})
}

func TestStats(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	stats, err := Stats(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, stats, len(statTables))
	for _, s := range stats {
		assert.Zero(t, s.Rows, s.Table)
	}
}
