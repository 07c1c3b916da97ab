package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, "U1")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_RequiresUser(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err == nil {
		t.Fatal("Open() with empty user should fail")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, "U1")
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path, "U1")
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"active_sets", "settlements"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.verifyPragma(ctx, "journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma(ctx, "user_version", "2"); err != nil {
		t.Error(err)
	}
}

func TestMigrateToV1_AddsWriteIDColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	s, err := Open(path, "U1")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Rebuild the journal as a pre-v1 database had it.
	stmts := []string{
		"DROP TABLE settlements",
		`CREATE TABLE settlements (
			user_id TEXT NOT NULL, seq INTEGER NOT NULL, item_id TEXT NOT NULL,
			kind TEXT NOT NULL, active INTEGER NOT NULL, count INTEGER NOT NULL,
			source TEXT NOT NULL, PRIMARY KEY (user_id, seq))`,
		"PRAGMA user_version = 0",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	s.Close()

	s, err = Open(path, "U1")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	has, err := hasColumn(s.db, "settlements", "write_id")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("write_id column missing after migration")
	}
}

func TestMigrateToV2_ClearsNonPushCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")

	s, err := Open(path, "U1")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Rebuild the journal as a v1 database had it, with a stale write count.
	stmts := []string{
		"DROP TABLE settlements",
		`CREATE TABLE settlements (
			user_id TEXT NOT NULL, seq INTEGER NOT NULL, item_id TEXT NOT NULL,
			kind TEXT NOT NULL, active INTEGER NOT NULL, count INTEGER NOT NULL,
			source TEXT NOT NULL, write_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, seq))`,
		`INSERT INTO settlements VALUES ('U1', 1, 'P1', 'amen', 0, 3, 'push', '')`,
		`INSERT INTO settlements VALUES ('U1', 2, 'P1', 'amen', 1, 3, 'write', 'w-1')`,
		"PRAGMA user_version = 1",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	s.Close()

	s, err = Open(path, "U1")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	_, notNull, err := columnInfo(s.db, "settlements", "count")
	if err != nil {
		t.Fatal(err)
	}
	if notNull {
		t.Error("settlements.count still NOT NULL after migration")
	}

	got, err := s.ReadSettlements(context.Background(), "P1")
	if err != nil {
		t.Fatalf("ReadSettlements() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d settlements, want 2", len(got))
	}
	if got[0].Count == nil || *got[0].Count != 3 {
		t.Errorf("push count = %v, want 3", got[0].Count)
	}
	if got[1].Count != nil {
		t.Errorf("write count = %d, want nil", *got[1].Count)
	}
	if got[1].WriteID != "w-1" {
		t.Errorf("write id = %q, want w-1", got[1].WriteID)
	}
}
