// Package store provides SQLite-backed history for clarification sessions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	input       TEXT NOT NULL,
	resolution  TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	rounds      INTEGER NOT NULL DEFAULT 0,
	fields_json TEXT NOT NULL DEFAULT '[]',
	started_at  INTEGER NOT NULL,
	resolved_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session_jobs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	job_id     TEXT NOT NULL,
	round      INTEGER NOT NULL,
	input      TEXT NOT NULL,
	overall    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, round)
);
CREATE INDEX IF NOT EXISTS idx_session_jobs_session ON session_jobs(session_id, round);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration. Parent directories are created as needed.
func NewDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads but a single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
