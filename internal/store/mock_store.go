// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	credentials map[string]*Credential     // keyed by "userID\x00toolName"
	disabled    map[string]map[string]bool // keyed by "userID\x00toolName" -> action
	stateTokens map[string]*StateToken     // keyed by token hash

	// FailUpserts makes UpsertCredential return this error when set.
	FailUpserts error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		credentials: make(map[string]*Credential),
		disabled:    make(map[string]map[string]bool),
		stateTokens: make(map[string]*StateToken),
	}
}

func pairKey(userID, toolName string) string {
	return userID + "\x00" + toolName
}

// UpsertCredential stores a copy of the credential, keeping ID and CreatedAt of an existing record.
func (m *MockStore) UpsertCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpserts != nil {
		return m.FailUpserts
	}

	now := time.Now().UTC()
	key := pairKey(cred.UserID, cred.ToolName)
	if existing, ok := m.credentials[key]; ok {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	cred.IsActive = true

	c := *cred
	c.Ciphertext = append([]byte(nil), cred.Ciphertext...)
	m.credentials[key] = &c
	return nil
}

// GetCredential returns a copy of the stored credential.
func (m *MockStore) GetCredential(ctx context.Context, userID, toolName string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[pairKey(userID, toolName)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListCredentials returns a user's credentials ordered by tool name.
func (m *MockStore) ListCredentials(ctx context.Context, userID string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Credential
	for _, c := range m.credentials {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out, nil
}

// SetCredentialActive toggles the active flag.
func (m *MockStore) SetCredentialActive(ctx context.Context, userID, toolName string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[pairKey(userID, toolName)]
	if !ok {
		return ErrNotFound
	}
	c.IsActive = active
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteCredential removes the credential and the pair's action permissions.
func (m *MockStore) DeleteCredential(ctx context.Context, userID, toolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(userID, toolName)
	if _, ok := m.credentials[key]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, key)
	delete(m.disabled, key)
	return nil
}

// SetActionDisabled records or clears a disabled action.
func (m *MockStore) SetActionDisabled(ctx context.Context, userID, toolName, actionName string, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(userID, toolName)
	if !disabled {
		delete(m.disabled[key], actionName)
		if len(m.disabled[key]) == 0 {
			delete(m.disabled, key)
		}
		return nil
	}
	if m.disabled[key] == nil {
		m.disabled[key] = make(map[string]bool)
	}
	m.disabled[key][actionName] = true
	return nil
}

// IsActionDisabled reports whether the action is disabled.
func (m *MockStore) IsActionDisabled(ctx context.Context, userID, toolName, actionName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disabled[pairKey(userID, toolName)][actionName], nil
}

// ListDisabledActions returns disabled actions grouped by tool.
func (m *MockStore) ListDisabledActions(ctx context.Context, userID string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]string)
	prefix := userID + "\x00"
	for key, actions := range m.disabled {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		tool := key[len(prefix):]
		for a := range actions {
			out[tool] = append(out[tool], a)
		}
		sort.Strings(out[tool])
	}
	return out, nil
}

// CreateStateToken stores a pending state token.
func (m *MockStore) CreateStateToken(ctx context.Context, token *StateToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stateTokens[token.Hash]; ok {
		return ErrDuplicateStateToken
	}
	t := *token
	m.stateTokens[t.Hash] = &t
	return nil
}

// ConsumeStateToken marks a pending unexpired token consumed.
func (m *MockStore) ConsumeStateToken(ctx context.Context, hash string, now time.Time) (*StateToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.stateTokens[hash]
	if !ok {
		return nil, false, ErrNotFound
	}
	consumed := false
	if t.ConsumedAt == nil && now.Before(t.ExpiresAt) {
		at := now
		t.ConsumedAt = &at
		consumed = true
	}
	cp := *t
	return &cp, consumed, nil
}

// DeleteExpiredStateTokens removes tokens expired at or before now.
func (m *MockStore) DeleteExpiredStateTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, t := range m.stateTokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.stateTokens, hash)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
