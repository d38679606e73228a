// ABOUTME: Durable state-token registry on top of the SQLite store
// ABOUTME: Consumption is one conditional UPDATE, so concurrent callbacks see exactly one winner

package statetoken

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/toolbroker/internal/store"
)

// StoreRegistry persists tokens through a store.StateTokenStore.
type StoreRegistry struct {
	store store.StateTokenStore
	opts  Options
}

// NewStoreRegistry creates a registry backed by st.
func NewStoreRegistry(st store.StateTokenStore, opts Options) *StoreRegistry {
	return &StoreRegistry{store: st, opts: opts.withDefaults()}
}

// Issue creates and persists a token for (userID, toolName).
func (r *StoreRegistry) Issue(ctx context.Context, userID, toolName string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	now := r.opts.Now().UTC()
	if err := r.store.CreateStateToken(ctx, &store.StateToken{
		Hash:      hashToken(token),
		UserID:    userID,
		ToolName:  toolName,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.opts.TTL),
	}); err != nil {
		return "", fmt.Errorf("persisting state token: %w", err)
	}
	return token, nil
}

// Consume validates and consumes token.
func (r *StoreRegistry) Consume(ctx context.Context, token string) (*Claims, error) {
	now := r.opts.Now().UTC()
	tok, consumed, err := r.store.ConsumeStateToken(ctx, hashToken(token), now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := classify(now, tok.ExpiresAt, consumed); err != nil {
		return nil, err
	}
	return &Claims{UserID: tok.UserID, ToolName: tok.ToolName}, nil
}

// Sweep deletes tokens whose retention window has passed.
func (r *StoreRegistry) Sweep(ctx context.Context) (int64, error) {
	return r.store.DeleteExpiredStateTokens(ctx, r.opts.Now().UTC().Add(-r.opts.Retention))
}

var _ Registry = (*StoreRegistry)(nil)
