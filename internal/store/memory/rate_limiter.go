package memory

import (
	"context"
	"sync"
	"time"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

var _ domain.RateLimiter = (*RateLimiter)(nil)

// RateLimiter is a per-process sliding-window limiter used when Redis is
// disabled.
type RateLimiter struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	nowFn func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), nowFn: time.Now}
}

// Allow records one hit for key if fewer than limit hits fall inside window.
func (l *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	now := l.nowFn()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		l.hits[key] = kept
		return false, nil
	}
	l.hits[key] = append(kept, now)
	return true, nil
}
