// Package db persists sessions, laps, telemetry samples, and track
// records to sqlite.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the sqlite database at path and
// brings the schema up to date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// single writer; WAL keeps API reads from blocking the flush path
	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	database := &DB{sqlDB}
	if err := database.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return database, nil
}
