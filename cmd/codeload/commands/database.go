package commands

import (
	"database/sql"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/db"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
)

// dbPathFlag overrides database.path for every command
var dbPathFlag string

// loadConfig loads am configuration and applies the --db-path override
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if dbPathFlag != "" {
		cfg.Database.Path = dbPathFlag
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}
