package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucketKey struct {
	senderID    int64
	windowStart int64 // unix seconds
}

// MemoryLimiter is the single-process implementation: one mutex makes the
// increment-and-check trivially atomic. It backs tests and dev mode; the
// distributed deployment uses PostgresLimiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	limits  senderLimits
	buckets map[bucketKey]int
}

func NewMemoryLimiter(defaultLimit int) *MemoryLimiter {
	return &MemoryLimiter{
		limits:  newSenderLimits(defaultLimit),
		buckets: make(map[bucketKey]int),
	}
}

func (l *MemoryLimiter) SetSenderLimit(senderID int64, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits.set(senderID, limit)
}

func (l *MemoryLimiter) TryAcquire(_ context.Context, senderID int64, at time.Time) (Decision, error) {
	window := Window(at)
	key := bucketKey{senderID: senderID, windowStart: window.Unix()}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buckets[key]++
	if l.buckets[key] > l.limits.get(senderID) {
		l.buckets[key]--
		return Decision{Allowed: false, RetryAfter: NextWindow(at).Sub(at)}, nil
	}
	return Decision{Allowed: true}, nil
}

// PurgeExpired drops buckets whose window ended at or before now.
func (l *MemoryLimiter) PurgeExpired(now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int64
	for key := range l.buckets {
		expiry := time.Unix(key.windowStart, 0).Add(bucketTTL)
		if !expiry.After(now) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed, nil
}

var _ Limiter = (*MemoryLimiter)(nil)
