// Package ledger is the only writer of diamond balances. Every balance change
// is shadowed by a best-effort entry in the append-only transaction log, and
// stake movements are claimed in the challenge store before any credit so a
// stake can leave the held status at most once.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/metrics"
)

// Entry describes the log record written alongside a balance change.
type Entry struct {
	Kind        domain.TxKind
	ChallengeID string
	Note        string
}

// Ledger applies balance mutations and stake transitions.
type Ledger struct {
	balances domain.BalanceStore
	txs      domain.TransactionStore
	stakes   domain.ChallengeStore
	bus      domain.SignalBus
	clock    domain.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Ledger. bus and m may be nil.
func New(
	balances domain.BalanceStore,
	txs domain.TransactionStore,
	stakes domain.ChallengeStore,
	bus domain.SignalBus,
	clock domain.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Ledger {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Ledger{
		balances: balances,
		txs:      txs,
		stakes:   stakes,
		bus:      bus,
		clock:    clock,
		metrics:  m,
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// DebitOrFail removes amount from the user's balance in one conditional
// update. On ErrInsufficientFunds nothing is changed.
func (l *Ledger) DebitOrFail(ctx context.Context, userID string, amount int64, e Entry) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: debit %d: %w", amount, domain.ErrInvalidInput)
	}
	bal, err := l.balances.Debit(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			l.metrics.LedgerOp("debit", "insufficient_funds")
		} else {
			l.metrics.LedgerOp("debit", "error")
		}
		return bal, fmt.Errorf("ledger: debit %s: %w", userID, err)
	}
	l.metrics.LedgerOp("debit", "ok")
	l.metrics.Moved(string(e.Kind), amount)
	l.record(ctx, userID, -amount, e)
	return bal, nil
}

// Credit adds amount to the user's balance unconditionally.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, e Entry) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: credit %d: %w", amount, domain.ErrInvalidInput)
	}
	bal, err := l.balances.Credit(ctx, userID, amount)
	if err != nil {
		l.metrics.LedgerOp("credit", "error")
		return bal, fmt.Errorf("ledger: credit %s: %w", userID, err)
	}
	l.metrics.LedgerOp("credit", "ok")
	l.metrics.Moved(string(e.Kind), amount)
	l.record(ctx, userID, amount, e)
	return bal, nil
}

// Balance returns the user's current diamond count.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	bal, err := l.balances.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", userID, err)
	}
	return bal, nil
}

// EnsureAccount creates a zero-balance account if none exists.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) error {
	if err := l.balances.EnsureUser(ctx, userID); err != nil {
		return fmt.Errorf("ledger: ensure account %s: %w", userID, err)
	}
	return nil
}

// History lists the user's transaction log, newest first.
func (l *Ledger) History(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.DiamondTransaction, error) {
	txs, err := l.txs.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: history %s: %w", userID, err)
	}
	return txs, nil
}

// ChallengeTransactions lists every entry referencing a challenge.
func (l *Ledger) ChallengeTransactions(ctx context.Context, challengeID string) ([]domain.DiamondTransaction, error) {
	txs, err := l.txs.ListByChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("ledger: challenge transactions %s: %w", challengeID, err)
	}
	return txs, nil
}

// ClaimDailyChest credits the daily reward once per day key.
func (l *Ledger) ClaimDailyChest(ctx context.Context, userID, day string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: daily chest %d: %w", amount, domain.ErrInvalidInput)
	}
	bal, err := l.balances.ClaimDailyChest(ctx, userID, day, amount)
	if err != nil {
		l.metrics.LedgerOp("daily_chest", "rejected")
		return bal, fmt.Errorf("ledger: daily chest %s: %w", userID, err)
	}
	l.metrics.LedgerOp("daily_chest", "ok")
	l.metrics.Moved(string(domain.TxDailyChest), amount)
	l.record(ctx, userID, amount, Entry{Kind: domain.TxDailyChest, Note: "daily chest " + day})
	return bal, nil
}

// Grant applies an operator adjustment. Negative amounts are conditional
// debits.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, note string) (int64, error) {
	e := Entry{Kind: domain.TxAdmin, Note: note}
	if amount < 0 {
		return l.DebitOrFail(ctx, userID, -amount, e)
	}
	return l.Credit(ctx, userID, amount, e)
}

// record appends to the transaction log. Failures are logged and swallowed so
// they never undo the balance change they describe.
func (l *Ledger) record(ctx context.Context, userID string, amount int64, e Entry) {
	kind := e.Kind
	if kind == "" {
		kind = domain.TxOther
	}
	tx := domain.DiamondTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		ChallengeID: e.ChallengeID,
		Note:        e.Note,
		CreatedAt:   l.clock.Now(),
	}
	if err := l.txs.Append(ctx, tx); err != nil {
		l.logger.WarnContext(ctx, "ledger: transaction log write failed",
			slog.String("user_id", userID),
			slog.String("kind", string(kind)),
			slog.Int64("amount", amount),
			slog.String("error", err.Error()),
		)
	}
	if l.bus != nil {
		payload, _ := json.Marshal(tx)
		if err := l.bus.StreamAppend(ctx, domain.StreamLedger, payload); err != nil {
			l.logger.DebugContext(ctx, "ledger: stream append failed", slog.String("error", err.Error()))
		}
	}
}
