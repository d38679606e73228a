// ABOUTME: Permission matrix over (user, tool) activation and (user, tool, action) disables
// ABOUTME: The tool-level gate dominates; action rows only ever narrow access

package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolbroker/internal/credentials"
	"github.com/2389/toolbroker/internal/store"
	"github.com/2389/toolbroker/internal/tools"
)

// ErrActionNotFound is returned for actions the tool does not declare.
var ErrActionNotFound = errors.New("action not found")

// ActionStatus is the effective state of one action.
type ActionStatus struct {
	Name     string
	IsActive bool
}

// ToolStatus is the effective state of one tool for a user.
type ToolStatus struct {
	Tool            string
	DisplayName     string
	AuthType        tools.AuthType
	IsAuthenticated bool
	IsActive        bool
	LastAuthAt      *time.Time
	ExpiresAt       *time.Time
	Actions         []ActionStatus
}

// Matrix answers permission questions from credential records and action rows.
type Matrix struct {
	creds    *credentials.Store
	actions  store.ActionStore
	registry *tools.Registry
	logger   *slog.Logger
}

// New creates a matrix.
func New(creds *credentials.Store, actions store.ActionStore, registry *tools.Registry, logger *slog.Logger) *Matrix {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matrix{
		creds:    creds,
		actions:  actions,
		registry: registry,
		logger:   logger.With("component", "permissions"),
	}
}

// IsToolActive reports whether the user holds an active credential for the tool.
func (m *Matrix) IsToolActive(ctx context.Context, userID, toolName string) (bool, error) {
	rec, err := m.creds.Record(ctx, userID, toolName)
	if errors.Is(err, credentials.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.IsActive, nil
}

// IsActionEnabled is IsToolActive and no disabling row for the action.
func (m *Matrix) IsActionEnabled(ctx context.Context, userID, toolName, actionName string) (bool, error) {
	active, err := m.IsToolActive(ctx, userID, toolName)
	if err != nil || !active {
		return false, err
	}
	disabled, err := m.actions.IsActionDisabled(ctx, userID, toolName, actionName)
	if err != nil {
		return false, err
	}
	return !disabled, nil
}

// SetActionDisabled toggles an action for a user.
// The tool and action must be registered; no credential is required.
func (m *Matrix) SetActionDisabled(ctx context.Context, userID, toolName, actionName string, disabled bool) error {
	tool, err := m.registry.Get(toolName)
	if err != nil {
		return err
	}
	if _, ok := tool.Descriptor.Action(actionName); !ok {
		return fmt.Errorf("%w: %s.%s", ErrActionNotFound, toolName, actionName)
	}

	// Serialized with the pair's credential writes and disconnect
	err = m.creds.WithLock(userID, toolName, func() error {
		return m.actions.SetActionDisabled(ctx, userID, toolName, actionName, disabled)
	})
	if err != nil {
		return err
	}
	m.logger.Info("set action disabled", "user_id", userID, "tool", toolName, "action", actionName, "disabled", disabled)
	return nil
}

// SetToolActive flips the tool-level gate. Action rows are left untouched.
func (m *Matrix) SetToolActive(ctx context.Context, userID, toolName string, active bool) error {
	if _, err := m.registry.Get(toolName); err != nil {
		return err
	}
	return m.creds.SetActive(ctx, userID, toolName, active)
}

// ListEffectiveStatus returns every registered tool for the user in
// registration order.
func (m *Matrix) ListEffectiveStatus(ctx context.Context, userID string) ([]ToolStatus, error) {
	records, err := m.creds.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	byTool := make(map[string]*credentials.Record, len(records))
	for _, r := range records {
		byTool[r.ToolName] = r
	}

	disabled, err := m.actions.ListDisabledActions(ctx, userID)
	if err != nil {
		return nil, err
	}

	registered := m.registry.List()
	statuses := make([]ToolStatus, 0, len(registered))
	for _, tool := range registered {
		desc := tool.Descriptor
		st := ToolStatus{
			Tool:        desc.Name,
			DisplayName: desc.DisplayName,
			AuthType:    desc.AuthType,
		}
		if rec, ok := byTool[desc.Name]; ok {
			st.IsAuthenticated = true
			st.IsActive = rec.IsActive
			updated := rec.UpdatedAt
			st.LastAuthAt = &updated
			st.ExpiresAt = rec.ExpiresAt
		}

		off := make(map[string]bool, len(disabled[desc.Name]))
		for _, a := range disabled[desc.Name] {
			off[a] = true
		}
		for _, a := range desc.Actions {
			st.Actions = append(st.Actions, ActionStatus{
				Name:     a.Name,
				IsActive: st.IsActive && !off[a.Name],
			})
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
