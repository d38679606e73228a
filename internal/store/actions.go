// ABOUTME: Per-action permission persistence for the SQLite store
// ABOUTME: A row means disabled; enabling deletes the row

package store

import (
	"context"
	"fmt"
	"time"
)

// SetActionDisabled disables or re-enables one action of a tool for a user.
func (s *SQLiteStore) SetActionDisabled(ctx context.Context, userID, toolName, actionName string, disabled bool) error {
	if !disabled {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM action_permissions WHERE user_id = ? AND tool_name = ? AND action_name = ?`,
			userID, toolName, actionName); err != nil {
			return fmt.Errorf("enabling action: %w", err)
		}
		s.logger.Debug("enabled action", "user_id", userID, "tool", toolName, "action", actionName)
		return nil
	}

	query := `
		INSERT INTO action_permissions (user_id, tool_name, action_name, disabled_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, tool_name, action_name) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query,
		userID, toolName, actionName, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("disabling action: %w", err)
	}

	s.logger.Debug("disabled action", "user_id", userID, "tool", toolName, "action", actionName)
	return nil
}

// IsActionDisabled reports whether a disabling row exists.
func (s *SQLiteStore) IsActionDisabled(ctx context.Context, userID, toolName, actionName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_permissions WHERE user_id = ? AND tool_name = ? AND action_name = ?`,
		userID, toolName, actionName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying action permission: %w", err)
	}
	return n > 0, nil
}

// ListDisabledActions returns the disabled actions of a user grouped by tool.
func (s *SQLiteStore) ListDisabledActions(ctx context.Context, userID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, action_name FROM action_permissions WHERE user_id = ? ORDER BY tool_name, action_name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying action permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	disabled := make(map[string][]string)
	for rows.Next() {
		var tool, action string
		if err := rows.Scan(&tool, &action); err != nil {
			return nil, fmt.Errorf("scanning action permission: %w", err)
		}
		disabled[tool] = append(disabled[tool], action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating action permissions: %w", err)
	}
	return disabled, nil
}
