package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/oire/internal/interaction"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added settlements.write_id
// 2 - settlements.count nullable; cleared for non-push rows
const currentSchemaVersion = 2

// Store is the durable per-user interaction cache.
type Store struct {
	db     *sql.DB
	userID string

	mu     sync.RWMutex
	active map[interaction.Kind]map[string]struct{}
	// removed tracks deletions made before hydration so a slower Hydrate
	// does not resurrect them.
	removed map[interaction.Kind]map[string]struct{}

	hydrated atomic.Bool
}

// Open creates or opens a SQLite database at the given path for userID.
// Applies required pragmas and migrations automatically.
//
// The in-memory view starts empty; call Hydrate to load persisted rows.
func Open(path, userID string) (*Store, error) {
	if userID == "" {
		return nil, fmt.Errorf("open store: user id is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		userID: userID,
		active: make(map[interaction.Kind]map[string]struct{}),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UserID returns the user the store is bound to.
func (s *Store) UserID() string {
	return s.userID
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds settlements.write_id to databases created before it
// existed. Fresh databases already have the column from schema.sql.
func migrateToV1(db *sql.DB) error {
	has, err := hasColumn(db, "settlements", "write_id")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if has {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE settlements ADD COLUMN write_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 rebuilds settlements with a nullable count. Rows written by
// earlier versions for write, rollback and timeout carried a stale count;
// it is dropped.
func migrateToV2(db *sql.DB) error {
	_, notNull, err := columnInfo(db, "settlements", "count")
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if !notNull {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE settlements_v2 (
			user_id  TEXT NOT NULL,
			seq      INTEGER NOT NULL,
			item_id  TEXT NOT NULL,
			kind     TEXT NOT NULL,
			active   INTEGER NOT NULL,
			count    INTEGER,
			source   TEXT NOT NULL,
			write_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, seq)
		)`,
		`INSERT INTO settlements_v2
			SELECT user_id, seq, item_id, kind, active,
				CASE WHEN source = 'push' THEN count END,
				source, write_id
			FROM settlements`,
		`DROP TABLE settlements`,
		`ALTER TABLE settlements_v2 RENAME TO settlements`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_item ON settlements(user_id, item_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	found, _, err := columnInfo(db, table, column)
	return found, err
}

// columnInfo reports whether table has column and whether it is NOT NULL.
func columnInfo(db *sql.DB, table, column string) (found, notNull bool, err error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			nn        int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &nn, &dfltValue, &pk); err != nil {
			return false, false, err
		}
		if name == column {
			return true, nn != 0, nil
		}
	}
	return false, false, rows.Err()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(ctx context.Context, name, expected string) error {
	var value string
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
