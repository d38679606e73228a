// ABOUTME: State-token registry contract shared by every backend
// ABOUTME: Single-use, TTL-bounded correlation values for OAuth handshakes

package statetoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for tokens that were never issued or have been purged.
	ErrNotFound = errors.New("state token not found")
	// ErrExpired is returned for tokens presented at or after their expiry, consumed or not.
	ErrExpired = errors.New("state token expired")
	// ErrAlreadyConsumed is returned for every validation after the first successful one.
	ErrAlreadyConsumed = errors.New("state token already consumed")
)

const (
	// DefaultTTL is how long an issued token can be consumed.
	DefaultTTL = 10 * time.Minute

	// tokenBytes gives 256 bits of entropy.
	tokenBytes = 32
)

// Claims is what a consumed token resolves to.
type Claims struct {
	UserID   string
	ToolName string
}

// Registry issues and consumes state tokens.
type Registry interface {
	// Issue creates a fresh token bound to (userID, toolName).
	Issue(ctx context.Context, userID, toolName string) (string, error)
	// Consume validates and consumes the token atomically. Exactly one
	// concurrent caller succeeds; the rest get ErrAlreadyConsumed.
	Consume(ctx context.Context, token string) (*Claims, error)
	// Sweep removes tokens past their retention and reports how many.
	Sweep(ctx context.Context) (int64, error)
}

// Options configures a registry.
type Options struct {
	// TTL defaults to DefaultTTL.
	TTL time.Duration
	// Retention is how long an expired token stays around so late
	// presentations report ErrExpired rather than ErrNotFound. Defaults to TTL.
	Retention time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Retention <= 0 {
		o.Retention = o.TTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// generateToken returns a URL-safe random token.
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashToken is the storage key for a token. Backends never persist the raw value.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// classify applies the validation order shared by every backend:
// expiry dominates consumption.
func classify(now, expiresAt time.Time, consumedByCaller bool) error {
	if !now.Before(expiresAt) {
		return ErrExpired
	}
	if !consumedByCaller {
		return ErrAlreadyConsumed
	}
	return nil
}
