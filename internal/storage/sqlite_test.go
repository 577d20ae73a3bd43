package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"runs", "host_runs", "point_errors"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != SchemaVersion {
		t.Fatalf("user_version = %d, want %d", version, SchemaVersion)
	}
}

func TestOpenSQLiteEnforcesForeignKeysOnEveryConnection(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxIdleConns(0)

	for i := 0; i < 3; i++ {
		var on int
		if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&on); err != nil {
			t.Fatalf("PRAGMA foreign_keys: %v", err)
		}
		if on != 1 {
			t.Fatalf("connection %d has foreign_keys=%d", i, on)
		}
	}

	_, err = db.Exec(`INSERT INTO point_errors(run_id, point_id, host, message, at) VALUES ('ghost', 1, 'n1', 'x', '2026-01-01T00:00:00Z')`)
	if err == nil {
		t.Fatal("insert referencing a missing run should fail")
	}
}

func TestOpenSQLiteRefusesNewerSchema(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", SchemaVersion+1)); err != nil {
		t.Fatalf("bump user_version: %v", err)
	}
	_ = db.Close()

	_, err = OpenSQLite(context.Background(), dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than this batchwrap") {
		t.Fatalf("expected newer-schema error, got %v", err)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
