package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

// HoldStake debits amount and records a held stake for userID on c. It is a
// no-op returning false when a held stake already exists, either on c or in
// the store. c.Stakes is updated in place on success.
func (l *Ledger) HoldStake(ctx context.Context, c *domain.Challenge, userID string, amount int64) (bool, error) {
	if s := c.Stake(userID); s != nil && s.Status == domain.StakeHeld {
		return false, nil
	}
	e := Entry{Kind: domain.TxStakeHold, ChallengeID: c.ID, Note: "stake hold"}
	if _, err := l.DebitOrFail(ctx, userID, amount, e); err != nil {
		return false, err
	}

	st := domain.Stake{
		UserID:    userID,
		Amount:    amount,
		Status:    domain.StakeHeld,
		UpdatedAt: l.clock.Now(),
	}
	inserted, err := l.stakes.InsertStake(ctx, c.ID, st)
	if err != nil || !inserted {
		// Undo the debit: either the row could not be written or another
		// caller already holds this stake.
		if _, cerr := l.Credit(ctx, userID, amount, Entry{Kind: domain.TxStakeRefund, ChallengeID: c.ID, Note: "hold reverted"}); cerr != nil {
			l.logger.ErrorContext(ctx, "ledger: hold compensation failed",
				slog.String("challenge_id", c.ID),
				slog.String("user_id", userID),
				slog.Int64("amount", amount),
				slog.String("error", cerr.Error()),
			)
		}
		if err != nil {
			return false, fmt.Errorf("ledger: record stake %s/%s: %w", c.ID, userID, err)
		}
		upsertStake(c, st)
		return false, nil
	}
	upsertStake(c, st)
	l.metrics.LedgerOp("hold", "ok")
	return true, nil
}

// RestakeAt makes sure userID's stake on c is held at amount. A stake held
// at any other amount was taken under earlier terms and is refunded first.
func (l *Ledger) RestakeAt(ctx context.Context, c *domain.Challenge, userID string, amount int64) (bool, error) {
	if s := heldStake(c, userID); s != nil && s.Amount != amount {
		claimed, err := l.RefundStakeIfHeld(ctx, c, userID, "terms updated")
		if err != nil {
			return false, err
		}
		if !claimed {
			// Another caller released it; the store no longer holds it.
			s.Status = domain.StakeRefunded
		}
	}
	return l.HoldStake(ctx, c, userID, amount)
}

// RefundStakeIfHeld returns the full stake.
func (l *Ledger) RefundStakeIfHeld(ctx context.Context, c *domain.Challenge, userID, note string) (bool, error) {
	s := heldStake(c, userID)
	if s == nil {
		return false, nil
	}
	return l.release(ctx, c, userID, domain.StakeRefunded, s.Amount, 0, note)
}

// PartialRefundStakeIfHeld returns refund (clamped to the stake) and burns
// the remainder.
func (l *Ledger) PartialRefundStakeIfHeld(ctx context.Context, c *domain.Challenge, userID string, refund int64, note string) (bool, error) {
	s := heldStake(c, userID)
	if s == nil {
		return false, nil
	}
	refund = max(0, min(refund, s.Amount))
	status := domain.StakeRefunded
	if refund == 0 {
		status = domain.StakeBurned
	}
	return l.release(ctx, c, userID, status, refund, s.Amount-refund, note)
}

// BurnStakeIfHeld forfeits the stake without crediting anyone.
func (l *Ledger) BurnStakeIfHeld(ctx context.Context, c *domain.Challenge, userID, note string) (bool, error) {
	s := heldStake(c, userID)
	if s == nil {
		return false, nil
	}
	return l.release(ctx, c, userID, domain.StakeBurned, 0, s.Amount, note)
}

// PayoutStakeIfHeld credits amount as the winnings for the stake.
func (l *Ledger) PayoutStakeIfHeld(ctx context.Context, c *domain.Challenge, userID string, amount int64, note string) (bool, error) {
	if heldStake(c, userID) == nil {
		return false, nil
	}
	return l.release(ctx, c, userID, domain.StakePaid, max(amount, 0), 0, note)
}

// release claims the held stake in the store and only then credits. If the
// process dies between the two the user is under-paid, never paid twice.
func (l *Ledger) release(ctx context.Context, c *domain.Challenge, userID string, status domain.StakeStatus, credit, burned int64, note string) (bool, error) {
	next := domain.Stake{
		UserID:        userID,
		Status:        status,
		SettledAmount: credit,
		BurnedAmount:  burned,
		UpdatedAt:     l.clock.Now(),
	}
	claimed, err := l.stakes.TransitionStake(ctx, c.ID, next)
	if err != nil {
		return false, fmt.Errorf("ledger: transition stake %s/%s: %w", c.ID, userID, err)
	}
	if !claimed {
		l.metrics.LedgerOp(string(status), "noop")
		return false, nil
	}
	if s := c.Stake(userID); s != nil {
		next.Amount = s.Amount
		*s = next
	}
	l.metrics.LedgerOp(string(status), "ok")

	if credit > 0 {
		kind := domain.TxStakeRefund
		if status == domain.StakePaid {
			kind = domain.TxStakePayout
		}
		if _, err := l.Credit(ctx, userID, credit, Entry{Kind: kind, ChallengeID: c.ID, Note: note}); err != nil {
			l.logger.ErrorContext(ctx, "ledger: stake released but credit failed",
				slog.String("challenge_id", c.ID),
				slog.String("user_id", userID),
				slog.String("status", string(status)),
				slog.Int64("amount", credit),
				slog.String("error", err.Error()),
			)
			return true, err
		}
	}
	if burned > 0 {
		l.metrics.Moved(string(domain.TxStakeBurn), burned)
		l.record(ctx, userID, 0, Entry{
			Kind:        domain.TxStakeBurn,
			ChallengeID: c.ID,
			Note:        fmt.Sprintf("%s: %d burned", note, burned),
		})
	}
	return true, nil
}

func heldStake(c *domain.Challenge, userID string) *domain.Stake {
	s := c.Stake(userID)
	if s == nil || s.Status != domain.StakeHeld {
		return nil
	}
	return s
}

func upsertStake(c *domain.Challenge, st domain.Stake) {
	if s := c.Stake(st.UserID); s != nil {
		*s = st
		return
	}
	c.Stakes = append(c.Stakes, st)
}
