package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per caller in process memory. Each
// bucket holds limit tokens and refills one token every window/limit.
type MemoryLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*callerBucket
	limit      int
	every      rate.Limit
	window     time.Duration
	lastPruned time.Time
	now        func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		buckets: make(map[string]*callerBucket),
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		window:  window,
		now:     time.Now,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, callerID string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now)
	b, ok := m.buckets[callerID]
	if !ok {
		b = &callerBucket{limiter: rate.NewLimiter(m.every, m.limit)}
		m.buckets[callerID] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return Decision{Allowed: true}, nil
	}
	r := b.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{Allowed: false, RetryAfter: wait}, nil
}

// Len reports how many caller buckets are tracked.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// pruneLocked drops buckets idle for a full window; they would be full again.
func (m *MemoryLimiter) pruneLocked(now time.Time) {
	if now.Sub(m.lastPruned) < m.window {
		return
	}
	m.lastPruned = now
	for id, b := range m.buckets {
		if now.Sub(b.lastSeen) >= m.window {
			delete(m.buckets, id)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
