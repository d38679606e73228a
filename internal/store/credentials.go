// ABOUTME: Credential record persistence for the SQLite store
// ABOUTME: One sealed record per user and tool, with activation and cascading delete

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const credentialColumns = `id, user_id, tool_name, auth_type, ciphertext, is_active, expires_at, created_at, updated_at`

// UpsertCredential inserts a credential or overwrites the existing record for
// the same user and tool. The record is always left active.
func (s *SQLiteStore) UpsertCredential(ctx context.Context, cred *Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	cred.IsActive = true

	query := `
		INSERT INTO credentials (id, user_id, tool_name, auth_type, ciphertext, is_active, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(user_id, tool_name) DO UPDATE SET
			auth_type = excluded.auth_type,
			ciphertext = excluded.ciphertext,
			is_active = 1,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cred.ID,
		cred.UserID,
		cred.ToolName,
		cred.AuthType,
		cred.Ciphertext,
		nullTime(cred.ExpiresAt),
		cred.CreatedAt.Format(time.RFC3339),
		cred.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}

	s.logger.Debug("stored credential", "user_id", cred.UserID, "tool", cred.ToolName, "auth_type", cred.AuthType)
	return nil
}

// GetCredential retrieves the credential for a user and tool.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetCredential(ctx context.Context, userID, toolName string) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE user_id = ? AND tool_name = ?`

	cred, err := scanCredential(s.db.QueryRowContext(ctx, query, userID, toolName))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	return cred, nil
}

// ListCredentials returns every credential of a user ordered by tool name.
func (s *SQLiteStore) ListCredentials(ctx context.Context, userID string) ([]*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE user_id = ? ORDER BY tool_name`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return creds, nil
}

// SetCredentialActive toggles the active flag without touching the payload.
// Returns ErrNotFound if no credential exists.
func (s *SQLiteStore) SetCredentialActive(ctx context.Context, userID, toolName string, active bool) error {
	query := `UPDATE credentials SET is_active = ?, updated_at = ? WHERE user_id = ? AND tool_name = ?`

	result, err := s.db.ExecContext(ctx, query,
		boolToInt(active),
		time.Now().UTC().Format(time.RFC3339),
		userID,
		toolName,
	)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("set credential active", "user_id", userID, "tool", toolName, "active", active)
	return nil
}

// DeleteCredential removes the credential and the user's action permissions
// for the tool in a single transaction.
// Returns ErrNotFound if no credential exists.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, userID, toolName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND tool_name = ?`, userID, toolName)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM action_permissions WHERE user_id = ? AND tool_name = ?`, userID, toolName); err != nil {
		return fmt.Errorf("deleting action permissions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("deleted credential", "user_id", userID, "tool", toolName)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var cred Credential
	var isActive int
	var expiresAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.ToolName,
		&cred.AuthType,
		&cred.Ciphertext,
		&isActive,
		&expiresAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	cred.IsActive = isActive != 0
	cred.ExpiresAt = parseNullTime(expiresAt)
	if parsed, err := time.Parse(time.RFC3339, createdAt); err != nil {
		slog.Warn("failed to parse credential created_at", "id", cred.ID, "error", err)
	} else {
		cred.CreatedAt = parsed
	}
	if parsed, err := time.Parse(time.RFC3339, updatedAt); err != nil {
		slog.Warn("failed to parse credential updated_at", "id", cred.ID, "error", err)
	} else {
		cred.UpdatedAt = parsed
	}
	return &cred, nil
}
