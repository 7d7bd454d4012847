// Package database opens the SQLite database shared by the message store
// and the scheduler.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	// DriverCGO is github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"

	// DriverPure is modernc.org/sqlite, usable with CGO_ENABLED=0.
	DriverPure = "sqlite"
)

// Open opens the database at path with the named driver, enabling WAL
// journaling, a busy timeout, and foreign key enforcement. The special
// path ":memory:" opens a private in-memory database. Parent directories
// of path are created as needed.
func Open(driver, path string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverCGO
	}

	var dsn string
	switch driver {
	case DriverCGO:
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	case DriverPure:
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	default:
		return nil, fmt.Errorf("unsupported database driver %q (want %q or %q)", driver, DriverCGO, DriverPure)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database lives only as long as its connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
