package testing

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/codeload/db"
)

var memCounter atomic.Int64

// CreateTestDB creates an in-memory SQLite database with all migrations applied.
// Each call gets its own named shared-cache database, pinned to one connection
// so concurrent test goroutines see the same data. Cleanup is registered via
// t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	name := fmt.Sprintf("file:codeload_test_%d?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000",
		memCounter.Add(1))
	database, err := sql.Open("sqlite3", name)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	database.SetMaxOpenConns(1)

	if err := db.Migrate(database, nil); err != nil {
		database.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
