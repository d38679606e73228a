// ABOUTME: OAuth state token persistence for the SQLite store
// ABOUTME: Consumption is a single conditional UPDATE so concurrent callbacks race safely

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateStateToken inserts a pending state token.
func (s *SQLiteStore) CreateStateToken(ctx context.Context, token *StateToken) error {
	query := `
		INSERT INTO state_tokens (token_hash, user_id, tool_name, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		token.Hash,
		token.UserID,
		token.ToolName,
		token.IssuedAt.UnixNano(),
		token.ExpiresAt.UnixNano(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateStateToken
		}
		return fmt.Errorf("inserting state token: %w", err)
	}
	return nil
}

// ConsumeStateToken atomically marks the token consumed if it is still pending
// and unexpired at now, then returns the stored row.
func (s *SQLiteStore) ConsumeStateToken(ctx context.Context, hash string, now time.Time) (*StateToken, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE state_tokens SET consumed_at = ?
		WHERE token_hash = ? AND consumed_at IS NULL AND expires_at > ?
	`, now.UnixNano(), hash, now.UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("consuming state token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	var tok StateToken
	var issuedAt, expiresAt int64
	var consumedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, tool_name, issued_at, expires_at, consumed_at
		FROM state_tokens WHERE token_hash = ?
	`, hash).Scan(&tok.Hash, &tok.UserID, &tok.ToolName, &issuedAt, &expiresAt, &consumedAt)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying state token: %w", err)
	}

	tok.IssuedAt = time.Unix(0, issuedAt).UTC()
	tok.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if consumedAt.Valid {
		t := time.Unix(0, consumedAt.Int64).UTC()
		tok.ConsumedAt = &t
	}
	return &tok, rowsAffected == 1, nil
}

// DeleteExpiredStateTokens removes every token that expired at or before now,
// consumed or not.
func (s *SQLiteStore) DeleteExpiredStateTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM state_tokens WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deleting expired state tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted expired state tokens", "count", n)
	}
	return n, nil
}
