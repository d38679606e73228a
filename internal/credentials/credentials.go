// ABOUTME: Encrypted per-user, per-tool credential store
// ABOUTME: Seals payloads before persistence and serializes mutations per (user, tool)

package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/2389/toolbroker/internal/sealer"
	"github.com/2389/toolbroker/internal/store"
)

// ErrNotFound is returned when no credential exists for the pair.
var ErrNotFound = store.ErrNotFound

// ErrCredentialUnavailable is returned when a stored credential cannot be
// opened. The user has to re-authenticate.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Payload is the plaintext credential material: provider tokens or
// caller-supplied key/value pairs.
type Payload map[string]any

// String returns the payload value for key when it is a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Keys returns the payload's field names. Safe to log.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}

// Record is credential metadata without the secret payload.
type Record struct {
	UserID    string
	ToolName  string
	AuthType  string
	IsActive  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store encrypts credentials into a store.CredentialStore.
type Store struct {
	backend store.CredentialStore
	sealer  sealer.Sealer
	locks   *keyLocks
	logger  *slog.Logger
}

// New creates a credential store on top of backend, sealing with s.
func New(backend store.CredentialStore, s sealer.Sealer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		sealer:  s,
		locks:   newKeyLocks(),
		logger:  logger.With("component", "credentials"),
	}
}

// associatedData binds a ciphertext to its owning pair.
func associatedData(userID, toolName string) []byte {
	return []byte(pairKey(userID, toolName))
}

// pairKey length-prefixes userID so no two pairs share a key, whatever bytes they contain.
func pairKey(userID, toolName string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + toolName
}

// WithLock runs fn while holding the pair's mutation lock. Writes to state
// that hangs off a credential, such as action permissions, go through here so
// they serialize with Put, SetActive and Delete.
func (s *Store) WithLock(userID, toolName string, fn func() error) error {
	unlock := s.locks.lock(pairKey(userID, toolName))
	defer unlock()
	return fn()
}

// Put encrypts payload and upserts the record for (userID, toolName), leaving it active.
// A sealing failure is returned and nothing is written.
func (s *Store) Put(ctx context.Context, userID, toolName, authType string, payload Payload, expiresAt *time.Time) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding credential payload: %w", err)
	}
	ciphertext, err := s.sealer.Seal(plaintext, associatedData(userID, toolName))
	if err != nil {
		return fmt.Errorf("sealing credential: %w", err)
	}

	unlock := s.locks.lock(pairKey(userID, toolName))
	defer unlock()

	if err := s.backend.UpsertCredential(ctx, &store.Credential{
		UserID:     userID,
		ToolName:   toolName,
		AuthType:   authType,
		Ciphertext: ciphertext,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return err
	}

	s.logger.Info("stored credential", "user_id", userID, "tool", toolName, "auth_type", authType, "fields", payload.Keys())
	return nil
}

// Get returns the decrypted payload for the pair.
// Returns ErrNotFound if absent and ErrCredentialUnavailable if the ciphertext does not open.
func (s *Store) Get(ctx context.Context, userID, toolName string) (Payload, error) {
	cred, err := s.backend.GetCredential(ctx, userID, toolName)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.sealer.Open(cred.Ciphertext, associatedData(userID, toolName))
	if err != nil {
		s.logger.Warn("credential failed to open", "user_id", userID, "tool", toolName, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %w", ErrCredentialUnavailable, err)
	}
	return payload, nil
}

// Record returns metadata for the pair. Returns ErrNotFound if absent.
func (s *Store) Record(ctx context.Context, userID, toolName string) (*Record, error) {
	cred, err := s.backend.GetCredential(ctx, userID, toolName)
	if err != nil {
		return nil, err
	}
	return toRecord(cred), nil
}

// List returns metadata for every credential the user holds.
func (s *Store) List(ctx context.Context, userID string) ([]*Record, error) {
	creds, err := s.backend.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(creds))
	for _, c := range creds {
		records = append(records, toRecord(c))
	}
	return records, nil
}

// SetActive toggles the record's active flag. Returns ErrNotFound if absent.
func (s *Store) SetActive(ctx context.Context, userID, toolName string, active bool) error {
	unlock := s.locks.lock(pairKey(userID, toolName))
	defer unlock()

	if err := s.backend.SetCredentialActive(ctx, userID, toolName, active); err != nil {
		return err
	}
	s.logger.Info("set credential active", "user_id", userID, "tool", toolName, "active", active)
	return nil
}

// Delete hard-removes the record together with the pair's action permissions.
// Returns ErrNotFound if absent.
func (s *Store) Delete(ctx context.Context, userID, toolName string) error {
	unlock := s.locks.lock(pairKey(userID, toolName))
	defer unlock()

	if err := s.backend.DeleteCredential(ctx, userID, toolName); err != nil {
		return err
	}
	s.logger.Info("deleted credential", "user_id", userID, "tool", toolName)
	return nil
}

func toRecord(c *store.Credential) *Record {
	return &Record{
		UserID:    c.UserID,
		ToolName:  c.ToolName,
		AuthType:  c.AuthType,
		IsActive:  c.IsActive,
		ExpiresAt: c.ExpiresAt,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
