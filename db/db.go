// Package db manages the SQLite database connection and schema migrations.
// it exposes a Database struct that wraps *sql.DB and is passed via dependency
// injection to any layer that needs persisted attempt state. raw SQL is used
// intentionally: the query layer stays explicit, readable and auditable.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	// the underscore import registers the go-sqlite3 driver with database/sql.
	// only its init() side effect is needed.
	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the *sql.DB handle. wrapping rather than embedding keeps the
// public surface intentional: callers are restricted to the high-level API
// defined for the deployment domain, and a driver change touches only this package.
type Database struct {
	connection *sql.DB
	logger     *zap.Logger
}

// schema is the DDL for every table the controller persists. IF NOT EXISTS
// makes it safe to run on every startup.
//
// attempts is the DeploymentAttempt row; artifacts and rollouts hang off it
// by correlation_id. health_checks is stored as a JSON column on attempts
// because the checks are only ever read back whole, for the report API.
// audit_records is append-only by construction: no UPDATE or DELETE statement
// for it exists anywhere in this package.
const schema = `
CREATE TABLE IF NOT EXISTS attempts (
    correlation_id        TEXT PRIMARY KEY,
    environment           TEXT NOT NULL,
    version_tag           TEXT NOT NULL,
    status                TEXT NOT NULL,
    failure_reason        TEXT,
    health_checks         TEXT,
    requires_data_restore INTEGER NOT NULL DEFAULT 0,
    started_at            DATETIME NOT NULL,
    finished_at           DATETIME
);

CREATE TABLE IF NOT EXISTS artifacts (
    correlation_id TEXT NOT NULL,
    component      TEXT NOT NULL,
    build_context  TEXT NOT NULL,
    image_ref      TEXT NOT NULL,
    local_digest   TEXT NOT NULL DEFAULT '',
    remote_digest  TEXT NOT NULL DEFAULT '',
    push_attempts  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (correlation_id, component)
);

CREATE TABLE IF NOT EXISTS rollouts (
    correlation_id        TEXT NOT NULL,
    service               TEXT NOT NULL,
    cluster               TEXT NOT NULL,
    previous_spec_version TEXT NOT NULL DEFAULT '',
    new_spec_version      TEXT NOT NULL DEFAULT '',
    elapsed_ms            INTEGER NOT NULL DEFAULT 0,
    status                TEXT NOT NULL DEFAULT '',
    reverted_to           TEXT,
    PRIMARY KEY (correlation_id, service)
);

CREATE TABLE IF NOT EXISTS audit_records (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id TEXT NOT NULL,
    actor          TEXT NOT NULL,
    action         TEXT NOT NULL,
    reason         TEXT,
    recorded_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    environment    TEXT NOT NULL,
    path           TEXT NOT NULL,
    object_url     TEXT,
    taken_at       DATETIME NOT NULL
);
`

// OpenDatabase opens the SQLite database at the given file path, runs the
// schema migration, and returns a ready-to-use *Database. the parent
// directory is created if it does not exist.
func OpenDatabase(dbPath string, logger *zap.Logger) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
	}

	connection, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %q: %w", dbPath, err)
	}

	// SQLite does not support concurrent writes from multiple connections.
	// one connection prevents "database is locked" errors under parallel
	// rollout/rollback sub-tasks that all record progress.
	connection.SetMaxOpenConns(1)

	database := &Database{connection: connection, logger: logger}
	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	logger.Info("database opened and schema migrated", zap.String("path", dbPath))
	return database, nil
}

func (database *Database) migrate() error {
	_, err := database.connection.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema migration: %w", err)
	}
	return nil
}

// CloseDatabase releases the database connection pool. deferred in the CLI
// immediately after OpenDatabase returns successfully.
func (database *Database) CloseDatabase() error {
	return database.connection.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows, so a single scan
// function serves QueryRow and Query without duplicating the column list.
type scanner interface {
	Scan(dest ...any) error
}
