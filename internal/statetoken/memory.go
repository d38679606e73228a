// ABOUTME: In-process state-token registry backed by a mutex-guarded map
// ABOUTME: A background goroutine sweeps tokens past their retention

package statetoken

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	claims    Claims
	expiresAt time.Time
	consumed  bool
}

// MemoryRegistry keeps tokens in memory. Tokens do not survive a restart.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry // keyed by token hash
	opts    Options
	done    chan struct{}
	closed  bool
}

// NewMemoryRegistry creates a registry. When sweepInterval is positive a
// background goroutine calls Sweep on that interval until Close.
func NewMemoryRegistry(opts Options, sweepInterval time.Duration) *MemoryRegistry {
	r := &MemoryRegistry{
		entries: make(map[string]*memoryEntry),
		opts:    opts.withDefaults(),
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go r.cleanup(sweepInterval)
	}
	return r
}

// Issue creates a token for (userID, toolName).
func (r *MemoryRegistry) Issue(ctx context.Context, userID, toolName string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[hashToken(token)] = &memoryEntry{
		claims:    Claims{UserID: userID, ToolName: toolName},
		expiresAt: r.opts.Now().Add(r.opts.TTL),
	}
	return token, nil
}

// Consume validates and consumes token under the registry lock.
func (r *MemoryRegistry) Consume(ctx context.Context, token string) (*Claims, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[hashToken(token)]
	if !ok {
		return nil, ErrNotFound
	}

	now := r.opts.Now()
	if err := classify(now, entry.expiresAt, !entry.consumed); err != nil {
		return nil, err
	}
	entry.consumed = true

	claims := entry.claims
	return &claims, nil
}

// Sweep removes entries whose retention window has passed.
func (r *MemoryRegistry) Sweep(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.opts.Now().Add(-r.opts.Retention)
	var n int64
	for hash, entry := range r.entries {
		if !entry.expiresAt.After(cutoff) {
			delete(r.entries, hash)
			n++
		}
	}
	return n, nil
}

// Len reports how many tokens are held.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *MemoryRegistry) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = r.Sweep(context.Background())
		case <-r.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		close(r.done)
		r.closed = true
	}
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
