package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is stamped into PRAGMA user_version. A journal written by a
// newer batchwrap is refused.
const SchemaVersion = 1

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the run journal tables/indexes if missing and
// stamps the schema version.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id            TEXT PRIMARY KEY,
  wrapper       TEXT NOT NULL,
  digest        TEXT,
  points        INTEGER NOT NULL,
  hosts         INTEGER NOT NULL,
  status        TEXT NOT NULL,
  failed_points INTEGER NOT NULL DEFAULT 0,
  started_at    TEXT NOT NULL,
  finished_at   TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS host_runs (
  run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  host       TEXT NOT NULL,
  first_id   INTEGER NOT NULL,
  size       INTEGER NOT NULL,
  workdir    TEXT,
  state      TEXT NOT NULL,
  had_errors INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (run_id, host)
);`,
		`CREATE TABLE IF NOT EXISTS point_errors (
  run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  point_id INTEGER NOT NULL,
  host     TEXT NOT NULL,
  message  TEXT NOT NULL,
  at       TEXT NOT NULL,
  PRIMARY KEY (run_id, point_id)
);`,
		`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs(started_at);`,
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than this batchwrap (%d)", version, SchemaVersion)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bootstrap sqlite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", SchemaVersion)); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return tx.Commit()
}
