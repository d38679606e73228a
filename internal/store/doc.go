// Package store provides persistent storage for the broker using SQLite.
//
// # Architecture
//
// The store package splits persistence into small interfaces:
//
//   - CredentialStore: one sealed credential record per (user, tool)
//   - ActionStore: per-action disable flags
//   - StateTokenStore: pending OAuth handshakes
//
// Store composes them. SQLiteStore implements Store in a single struct;
// MockStore is an in-memory implementation for unit tests.
//
// The store never sees plaintext credentials. Ciphertext is produced and
// opened by the credentials package.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode, foreign keys and a busy timeout set
// on every connection through the DSN. The pool is limited to one
// connection since SQLite serializes writers anyway.
//
// State token timestamps are stored as unix nanoseconds so expiry
// comparisons happen inside SQL. Other timestamps are RFC3339 text.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateStateToken: a state token hash was inserted twice
//
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// Columns added after the initial schema are applied by runMigrations,
// which checks pragma_table_info before each ALTER TABLE.
package store
