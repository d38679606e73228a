// ABOUTME: Execution load control: a bounded concurrency gate and per-user rate limits
// ABOUTME: Both reject early so no credential is opened for work that will not run

package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// gate bounds concurrent executions and the number of callers waiting for a slot.
type gate struct {
	sem      *semaphore.Weighted
	maxQueue int64
	waiting  atomic.Int64
}

func newGate(maxConcurrent, maxQueue int) *gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &gate{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		maxQueue: int64(maxQueue),
	}
}

// acquire takes a slot, waiting only while the queue has room.
func (g *gate) acquire(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		return nil
	}
	if g.waiting.Add(1) > g.maxQueue {
		g.waiting.Add(-1)
		return ErrBusy
	}
	defer g.waiting.Add(-1)
	return g.sem.Acquire(ctx, 1)
}

func (g *gate) release() {
	g.sem.Release(1)
}

// userLimiter keeps a token bucket per user. Idle buckets are dropped by prune.
type userLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*userBucket
}

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// newUserLimiter allows perMinute requests per user with the given burst.
// A non-positive perMinute disables limiting.
func newUserLimiter(perMinute, burst int) *userLimiter {
	l := &userLimiter{buckets: make(map[string]*userBucket)}
	if perMinute <= 0 {
		l.limit = rate.Inf
		return l
	}
	if burst <= 0 {
		burst = perMinute
	}
	l.limit = rate.Every(time.Minute / time.Duration(perMinute))
	l.burst = burst
	return l
}

func (l *userLimiter) allow(userID string, now time.Time) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// prune drops buckets idle since before cutoff.
func (l *userLimiter) prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, id)
			n++
		}
	}
	return n
}
