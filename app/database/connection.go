package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver registration.
)

const timeLayout = "2006-01-02T15:04:05Z"

type DB struct {
	*sql.DB
}

// NewConnection opens the SQLite database at path and applies pending
// migrations.
func NewConnection(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	wrapped := &DB{DB: db}
	if err := RunMigrations(wrapped); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return wrapped, nil
}
