package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

var (
	_ domain.BalanceStore     = (*UserStore)(nil)
	_ domain.TransactionStore = (*TransactionStore)(nil)
	_ domain.ActivityStore    = (*ActivityStore)(nil)
	_ domain.AuditStore       = (*AuditStore)(nil)
)

// UserStore holds diamond balances.
type UserStore struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

// NewUserStore creates an empty balance store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*domain.User)}
}

// EnsureUser creates a zero-balance user if missing.
func (s *UserStore) EnsureUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		now := time.Now().UTC()
		s.users[userID] = &domain.User{ID: userID, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

// Debit subtracts amount when the balance covers it.
func (s *UserStore) Debit(_ context.Context, userID string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if u.TotalDiamonds < amount {
		return u.TotalDiamonds, domain.ErrInsufficientFunds
	}
	u.TotalDiamonds -= amount
	u.UpdatedAt = time.Now().UTC()
	return u.TotalDiamonds, nil
}

// Credit adds amount.
func (s *UserStore) Credit(_ context.Context, userID string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	u.TotalDiamonds += amount
	u.UpdatedAt = time.Now().UTC()
	return u.TotalDiamonds, nil
}

// Balance returns the current balance.
func (s *UserStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return u.TotalDiamonds, nil
}

// ClaimDailyChest credits amount once per day key.
func (s *UserStore) ClaimDailyChest(_ context.Context, userID, day string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if u.LastChestDay == day {
		return u.TotalDiamonds, domain.ErrChestAlreadyClaimed
	}
	u.LastChestDay = day
	u.TotalDiamonds += amount
	u.UpdatedAt = time.Now().UTC()
	return u.TotalDiamonds, nil
}

// TransactionStore is an append-only slice of ledger entries.
type TransactionStore struct {
	mu  sync.Mutex
	txs []domain.DiamondTransaction
}

// NewTransactionStore creates an empty log.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{}
}

// Append adds an entry, assigning an ID and timestamp when missing.
func (s *TransactionStore) Append(_ context.Context, tx domain.DiamondTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.txs = append(s.txs, tx)
	s.mu.Unlock()
	return nil
}

// ListByUser returns the user's entries, newest first.
func (s *TransactionStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.DiamondTransaction, error) {
	s.mu.Lock()
	var out []domain.DiamondTransaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.UserID != userID {
			continue
		}
		if opts.Since != nil && tx.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && tx.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, tx)
	}
	s.mu.Unlock()
	return paginate(out, opts), nil
}

// ListByChallenge returns every entry referencing the challenge in append order.
func (s *TransactionStore) ListByChallenge(_ context.Context, challengeID string) ([]domain.DiamondTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DiamondTransaction
	for _, tx := range s.txs {
		if tx.ChallengeID == challengeID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// ActivityStore keeps recorded activities per user.
type ActivityStore struct {
	mu     sync.Mutex
	byUser map[string][]domain.Activity
}

// NewActivityStore creates an empty activity store.
func NewActivityStore() *ActivityStore {
	return &ActivityStore{byUser: make(map[string][]domain.Activity)}
}

// Insert records an activity.
func (s *ActivityStore) Insert(_ context.Context, a domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[a.UserID] = append(s.byUser[a.UserID], a)
	return nil
}

// Find returns the user's activities of the given types inside [start, end].
func (s *ActivityStore) Find(_ context.Context, userID string, types []string, start, end time.Time) ([]domain.Activity, error) {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Activity
	for _, a := range s.byUser[userID] {
		if len(allowed) > 0 && !allowed[a.Type] {
			continue
		}
		if a.Date.Before(start) || a.Date.After(end) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// AuditStore keeps audit entries in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}
	s.mu.Unlock()
	return paginate(out, opts), nil
}
