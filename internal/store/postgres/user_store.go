package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

var _ domain.BalanceStore = (*UserStore)(nil)

// UserStore implements domain.BalanceStore on the users table. Every
// balance change is a single conditional UPDATE so concurrent debits can
// never take the counter below zero.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// EnsureUser creates a zero-balance row if the user is unknown.
func (s *UserStore) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("postgres: ensure user %s: %w", userID, err)
	}
	return nil
}

// Debit subtracts amount only when the balance covers it.
func (s *UserStore) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET total_diamonds = total_diamonds - $2, updated_at = NOW()
		 WHERE id = $1 AND total_diamonds >= $2
		 RETURNING total_diamonds`, userID, amount,
	).Scan(&balance)
	switch {
	case err == nil:
		return balance, nil
	case errors.Is(err, pgx.ErrNoRows):
		current, err := s.Balance(ctx, userID)
		if err != nil {
			return 0, err
		}
		return current, domain.ErrInsufficientFunds
	case isCheckViolation(err):
		return 0, domain.ErrInsufficientFunds
	default:
		return 0, fmt.Errorf("postgres: debit %s: %w", userID, err)
	}
}

// Credit adds amount to the balance.
func (s *UserStore) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET total_diamonds = total_diamonds + $2, updated_at = NOW()
		 WHERE id = $1
		 RETURNING total_diamonds`, userID, amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: credit %s: %w", userID, err)
	}
	return balance, nil
}

// Balance returns the current diamond count.
func (s *UserStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT total_diamonds FROM users WHERE id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: balance %s: %w", userID, err)
	}
	return balance, nil
}

// ClaimDailyChest credits amount unless day was already claimed.
func (s *UserStore) ClaimDailyChest(ctx context.Context, userID, day string, amount int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET total_diamonds = total_diamonds + $3, last_chest_day = $2, updated_at = NOW()
		 WHERE id = $1 AND last_chest_day <> $2
		 RETURNING total_diamonds`, userID, day, amount,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres: claim chest %s: %w", userID, err)
	}
	current, err := s.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return current, domain.ErrChestAlreadyClaimed
}
