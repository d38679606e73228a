// ABOUTME: Store interfaces and data types for toolbroker persistence
// ABOUTME: Defines credential records, action permissions and OAuth state tokens

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateStateToken is returned when a state token hash is inserted twice
var ErrDuplicateStateToken = errors.New("state token already exists")

// Credential is the persisted form of a user's credential for one tool.
// There is at most one Credential per (UserID, ToolName).
type Credential struct {
	ID         string
	UserID     string
	ToolName   string
	AuthType   string // oauth2, api_key, manual, api_key_or_credentials
	Ciphertext []byte // sealed payload, never plaintext
	IsActive   bool
	ExpiresAt  *time.Time // provider token expiry, when known
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StateToken is a pending OAuth handshake. Only the token hash is stored.
type StateToken struct {
	Hash       string
	UserID     string
	ToolName   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// CredentialStore persists credential records.
type CredentialStore interface {
	// UpsertCredential inserts or overwrites the record for (UserID, ToolName)
	// and marks it active. CreatedAt and ID of an existing record are kept.
	UpsertCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, userID, toolName string) (*Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]*Credential, error)
	SetCredentialActive(ctx context.Context, userID, toolName string, active bool) error
	// DeleteCredential removes the record and every action permission of the pair.
	DeleteCredential(ctx context.Context, userID, toolName string) error
}

// ActionStore persists per-action disable flags.
type ActionStore interface {
	// SetActionDisabled writes a disabling row when disabled is true and
	// removes it when false, so re-enabling leaves no residue.
	SetActionDisabled(ctx context.Context, userID, toolName, actionName string, disabled bool) error
	IsActionDisabled(ctx context.Context, userID, toolName, actionName string) (bool, error)
	// ListDisabledActions returns disabled action names keyed by tool name.
	ListDisabledActions(ctx context.Context, userID string) (map[string][]string, error)
}

// StateTokenStore persists OAuth state tokens.
type StateTokenStore interface {
	CreateStateToken(ctx context.Context, token *StateToken) error
	// ConsumeStateToken marks an unexpired, unconsumed token as consumed at now.
	// It returns the stored token and whether this call performed the consumption.
	// Returns ErrNotFound if no token has the hash.
	ConsumeStateToken(ctx context.Context, hash string, now time.Time) (*StateToken, bool, error)
	// DeleteExpiredStateTokens removes tokens whose expiry is at or before now.
	DeleteExpiredStateTokens(ctx context.Context, now time.Time) (int64, error)
}

// Store is everything the broker persists.
type Store interface {
	CredentialStore
	ActionStore
	StateTokenStore

	// Close releases any resources held by the store
	Close() error
}
