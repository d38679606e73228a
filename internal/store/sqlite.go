// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides credential, permission and state token persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection keeps transactions from
	// tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			tool_name   TEXT NOT NULL,
			auth_type   TEXT NOT NULL,
			ciphertext  BLOB NOT NULL,
			is_active   INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			UNIQUE(user_id, tool_name),
			CHECK (auth_type IN ('oauth2', 'api_key', 'manual', 'api_key_or_credentials'))
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id);

		CREATE TABLE IF NOT EXISTS action_permissions (
			user_id     TEXT NOT NULL,
			tool_name   TEXT NOT NULL,
			action_name TEXT NOT NULL,
			disabled_at TEXT NOT NULL,

			PRIMARY KEY (user_id, tool_name, action_name)
		);

		CREATE INDEX IF NOT EXISTS idx_action_permissions_user ON action_permissions(user_id);

		-- OAuth state tokens (short-lived, single use)
		CREATE TABLE IF NOT EXISTS state_tokens (
			token_hash  TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			tool_name   TEXT NOT NULL,
			issued_at   INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			consumed_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_state_tokens_expires ON state_tokens(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('credentials') WHERE name = 'expires_at'`,
			apply:  `ALTER TABLE credentials ADD COLUMN expires_at TEXT`,
			table:  "credentials",
			column: "expires_at",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullTime converts an optional time into a nullable RFC3339 column value
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullTime converts a nullable RFC3339 column back into an optional time
func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		slog.Warn("failed to parse timestamp", "value", ns.String, "error", err)
		return nil
	}
	return &t
}

// boolToInt maps a bool onto SQLite's integer booleans
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
