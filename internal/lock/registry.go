// Package lock provides the in-process named-lock registry that keeps two
// runs of the same periodic job from overlapping.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

var _ domain.LockManager = (*Registry)(nil)

type holder struct {
	token   uint64
	expires time.Time
}

// Registry is a map of job name to current holder. Holders past their TTL
// are treated as released so a crashed run cannot wedge a job forever.
type Registry struct {
	mu    sync.Mutex
	held  map[string]holder
	next  uint64
	nowFn func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]holder), nowFn: time.Now}
}

// Acquire takes the named lock for ttl. It returns domain.ErrLockHeld when
// another caller holds it. A ttl <= 0 never expires.
func (r *Registry) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	if h, ok := r.held[key]; ok && (h.expires.IsZero() || now.Before(h.expires)) {
		return nil, domain.ErrLockHeld
	}

	r.next++
	h := holder{token: r.next}
	if ttl > 0 {
		h.expires = now.Add(ttl)
	}
	r.held[key] = h

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key, h.token) })
	}, nil
}

// Held reports whether key is currently locked.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.held[key]
	return ok && (h.expires.IsZero() || r.nowFn().Before(h.expires))
}

// release drops the lock only if the token still matches, so an expired
// holder cannot free a lock that a newer caller has since taken.
func (r *Registry) release(key string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.held[key]; ok && h.token == token {
		delete(r.held, key)
	}
}
