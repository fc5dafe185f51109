package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

var _ domain.TransactionStore = (*TransactionStore)(nil)

// TransactionStore implements the append-only diamond_transactions log.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Append inserts one entry, assigning an ID and timestamp when missing.
func (s *TransactionStore) Append(ctx context.Context, tx domain.DiamondTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO diamond_transactions (id, user_id, amount, kind, challenge_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.UserID, tx.Amount, string(tx.Kind), tx.ChallengeID, tx.Note, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append transaction %s: %w", tx.ID, err)
	}
	return nil
}

const txSelectCols = `id, user_id, amount, kind, challenge_id, note, created_at`

// ListByUser returns the user's entries, newest first.
func (s *TransactionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.DiamondTransaction, error) {
	query, args := withListOpts(
		`SELECT `+txSelectCols+` FROM diamond_transactions WHERE user_id = $1`,
		[]any{userID}, "created_at", "created_at DESC, id DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

// ListByChallenge returns every entry referencing the challenge, oldest first.
func (s *TransactionStore) ListByChallenge(ctx context.Context, challengeID string) ([]domain.DiamondTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txSelectCols+` FROM diamond_transactions
		 WHERE challenge_id = $1 ORDER BY created_at ASC, id ASC`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions for challenge %s: %w", challengeID, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

func scanTransactionRows(rows pgx.Rows) ([]domain.DiamondTransaction, error) {
	var out []domain.DiamondTransaction
	for rows.Next() {
		var tx domain.DiamondTransaction
		var kind string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &kind,
			&tx.ChallengeID, &tx.Note, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		tx.Kind = domain.TxKind(kind)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: transaction rows: %w", err)
	}
	return out, nil
}
