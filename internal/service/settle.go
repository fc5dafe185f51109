package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

// RefreshProgress recomputes every player's progress. A player's CompletedAt
// is set the first time they complete and never overwritten. The challenge
// is settled when every player has completed or the window has closed.
func (s *ChallengeService) RefreshProgress(ctx context.Context, id string) (domain.Challenge, error) {
	ctx = context.WithoutCancel(ctx)
	c, err := s.refresh(ctx, id)
	if err != nil {
		return domain.Challenge{}, err
	}
	if c.State != domain.StateActive {
		return c, nil
	}
	if c.SucceededInWindow() {
		return s.settle(ctx, c.ID, domain.ReasonAllCompleted)
	}
	if c.Expired(s.clock.Now()) {
		return s.settle(ctx, c.ID, domain.ReasonExpired)
	}
	s.publish(ctx, domain.EventProgress, c)
	return c, nil
}

// Finalize settles now if the challenge has succeeded or expired; otherwise
// it returns the refreshed challenge unchanged.
func (s *ChallengeService) Finalize(ctx context.Context, id string) (domain.Challenge, error) {
	return s.RefreshProgress(ctx, id)
}

func (s *ChallengeService) refresh(ctx context.Context, id string) (domain.Challenge, error) {
	cur, err := s.challenges.Get(ctx, id)
	if err != nil {
		return domain.Challenge{}, s.notFound(err)
	}
	if cur.State != domain.StateActive {
		return cur, nil
	}

	type eval struct {
		progress, ratio, pe float64
		completed           bool
	}
	results := make(map[string]eval, len(cur.Players))
	for _, p := range cur.Players {
		res, err := s.evaluator.Evaluate(ctx, cur, p.UserID)
		if err != nil {
			return domain.Challenge{}, fmt.Errorf("challenge_service: evaluate %s: %w", p.UserID, err)
		}
		results[p.UserID] = eval{progress: res.Current, ratio: res.Ratio, pe: res.EffortPoints, completed: res.Completed}
	}

	return s.mutate(ctx, id, func(c *domain.Challenge) error {
		if c.State != domain.StateActive {
			return nil
		}
		now := s.clock.Now()
		// Only in-window activities are counted, so a completion detected
		// after the window closed is stamped inside it.
		stamp := now
		if !now.Before(c.EndDate) {
			stamp = c.EndDate.Add(-time.Millisecond)
		}
		for i := range c.Players {
			p := &c.Players[i]
			r, ok := results[p.UserID]
			if !ok {
				continue
			}
			p.Progress = r.progress
			p.Ratio = r.ratio
			p.EffortPoints = r.pe
			p.Completed = r.completed
			if r.completed && p.CompletedAt == nil {
				t := stamp
				p.CompletedAt = &t
			}
		}
		return nil
	})
}

// settle converts every held stake exactly once and records the outcome. A
// challenge already settled is returned untouched. The plan is stored on the
// challenge before any stake moves, so concurrent settlers pay from the same
// amounts. On failure part way through, the challenge stays unsettled and a
// later call resumes from the stored plan; stakes already moved are skipped
// by the held-status guard.
func (s *ChallengeService) settle(ctx context.Context, id, reason string) (domain.Challenge, error) {
	c, err := s.challenges.Get(ctx, id)
	if err != nil {
		return domain.Challenge{}, s.notFound(err)
	}
	if c.Settlement.Settled() || c.State.Terminal() {
		return c, nil
	}
	if c.State != domain.StateActive {
		return domain.Challenge{}, domain.ErrInvalidState
	}

	if c.Settlement.Plan == nil {
		c, err = s.mutate(ctx, id, func(c *domain.Challenge) error {
			if c.Settlement.Settled() || c.State.Terminal() || c.Settlement.Plan != nil {
				return nil
			}
			c.Settlement.Plan = s.plan(*c)
			return nil
		})
		if err != nil {
			return domain.Challenge{}, err
		}
		if c.Settlement.Settled() || c.State.Terminal() {
			return c, nil
		}
	}
	plan := c.Settlement.Plan

	var errs []error
	for _, p := range c.Players {
		amount := plan.Amounts[p.UserID]
		var err error
		switch {
		case plan.Success:
			_, err = s.ledger.PayoutStakeIfHeld(ctx, &c, p.UserID, amount, "challenge completed")
		case plan.Scheme == domain.SchemeSimple:
			_, err = s.ledger.BurnStakeIfHeld(ctx, &c, p.UserID, "challenge failed")
		default:
			_, err = s.ledger.PartialRefundStakeIfHeld(ctx, &c, p.UserID, amount, "challenge failed")
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.ErrorContext(ctx, "challenge_service: settlement incomplete",
			slog.String("challenge_id", id),
			slog.String("error", err.Error()),
		)
		s.alert(ctx, "settlement_failed", "Settlement incomplete", fmt.Sprintf("challenge %s: %v", id, err))
		return domain.Challenge{}, fmt.Errorf("challenge_service: settle %s: %w", id, err)
	}

	settled, err := s.mutate(ctx, id, func(c *domain.Challenge) error {
		if c.Settlement.Settled() {
			return nil
		}
		now := s.clock.Now()
		c.Settlement = domain.Settlement{
			Reason:      reason,
			SettledAt:   &now,
			GainTotal:   plan.GainTotal,
			RefundTotal: plan.RefundTotal,
			BurnTotal:   plan.BurnTotal,
			Plan:        plan,
		}
		if plan.Success {
			c.State = domain.StateCompleted
			c.Settlement.Status = domain.SettlementSuccess
			if c.Recurrence.Enabled {
				c.Recurrence.WeeksCompleted++
			}
		} else {
			c.State = domain.StateFailed
			c.Settlement.Status = domain.SettlementLoss
		}
		return nil
	})
	if err != nil {
		return domain.Challenge{}, err
	}

	outcome := "loss"
	if plan.Success {
		outcome = "success"
	}
	s.metrics.Settled(string(plan.Scheme), outcome)
	s.logger.InfoContext(ctx, "challenge_service: challenge settled",
		slog.String("challenge_id", id),
		slog.String("outcome", outcome),
		slog.String("reason", reason),
		slog.Int64("gain_total", plan.GainTotal),
		slog.Int64("refund_total", plan.RefundTotal),
		slog.Int64("burn_total", plan.BurnTotal),
	)
	s.publish(ctx, domain.EventSettled, settled)

	if plan.Success && settled.Recurrence.Enabled {
		if _, _, err := s.recurrence.Renew(ctx, settled.ID); err != nil {
			s.logger.WarnContext(ctx, "challenge_service: renewal deferred to sweep",
				slog.String("challenge_id", id),
				slog.String("error", err.Error()),
			)
		}
		if fresh, err := s.challenges.Get(ctx, id); err == nil {
			settled = fresh
		}
	}
	return settled, nil
}

// plan computes the settlement of c from its current progress.
func (s *ChallengeService) plan(c domain.Challenge) *domain.SettlementPlan {
	success := c.SucceededInWindow()
	strategy := s.strategies.For(c)
	p := strategy.Plan(c, success)
	return &domain.SettlementPlan{
		Success:     p.Success,
		Scheme:      strategy.Scheme(),
		Amounts:     p.Amounts,
		GainTotal:   p.Outcome.GainTotal,
		RefundTotal: p.Outcome.RefundTotal,
		BurnTotal:   p.Outcome.BurnTotal,
	}
}

// Cancel ends a challenge early. While pending every held stake is refunded.
// While active the cancelling player's stake is burned and the other
// player's stake is refunded.
func (s *ChallengeService) Cancel(ctx context.Context, id, userID string) (domain.Challenge, error) {
	ctx = context.WithoutCancel(ctx)
	c, err := s.challenges.Get(ctx, id)
	if err != nil {
		return domain.Challenge{}, s.notFound(err)
	}
	if !c.IsParticipant(userID) {
		return domain.Challenge{}, domain.ErrNotAParticipant
	}

	switch c.State {
	case domain.StatePending:
		c, err = s.cancelPending(ctx, c, domain.ReasonCancelledByPlayer)
	case domain.StateActive:
		c, err = s.cancelActive(ctx, c, userID)
	default:
		return domain.Challenge{}, domain.ErrInvalidState
	}
	if err != nil {
		return domain.Challenge{}, err
	}
	s.publish(ctx, domain.EventCancelled, c)
	return c, nil
}

func (s *ChallengeService) cancelActive(ctx context.Context, c domain.Challenge, canceller string) (domain.Challenge, error) {
	var burned, refunded int64
	for _, p := range c.Players {
		stake := c.Stake(p.UserID)
		if p.UserID == canceller {
			ok, err := s.ledger.BurnStakeIfHeld(ctx, &c, p.UserID, "cancelled by player")
			if err != nil {
				return domain.Challenge{}, err
			}
			if ok && stake != nil {
				burned += stake.Amount
			}
			continue
		}
		ok, err := s.ledger.RefundStakeIfHeld(ctx, &c, p.UserID, "partner cancelled")
		if err != nil {
			return domain.Challenge{}, err
		}
		if ok && stake != nil {
			refunded += stake.Amount
		}
	}
	return s.mutate(ctx, c.ID, func(c *domain.Challenge) error {
		if c.Settlement.Settled() {
			return nil
		}
		now := s.clock.Now()
		c.State = domain.StateCancelled
		c.Settlement = domain.Settlement{
			Status:      domain.SettlementCancelled,
			Reason:      domain.ReasonCancelledByPlayer,
			SettledAt:   &now,
			RefundTotal: refunded,
			BurnTotal:   burned,
		}
		return nil
	})
}

// Delete removes a challenge for good. A pending challenge is refunded first
// and an active one is settled first; terminal challenges are archived when
// an archiver is configured.
func (s *ChallengeService) Delete(ctx context.Context, id, userID string) error {
	ctx = context.WithoutCancel(ctx)
	c, err := s.challenges.Get(ctx, id)
	if err != nil {
		return s.notFound(err)
	}
	if !c.IsParticipant(userID) {
		return domain.ErrNotAParticipant
	}

	switch c.State {
	case domain.StatePending:
		if c, err = s.cancelPending(ctx, c, domain.ReasonWithdrawn); err != nil {
			return err
		}
	case domain.StateActive:
		// A player who leaves never gets a successor, whichever caller
		// ends up settling.
		if _, err := s.mutate(ctx, id, func(c *domain.Challenge) error {
			if c.State == domain.StateActive {
				c.Recurrence.Enabled = false
			}
			return nil
		}); err != nil {
			return err
		}
		if _, err := s.refresh(ctx, id); err != nil {
			return err
		}
		if c, err = s.settle(ctx, id, domain.ReasonLeftActive); err != nil {
			return err
		}
	}

	if s.archiver != nil {
		txs, err := s.ledger.ChallengeTransactions(ctx, id)
		if err != nil {
			return err
		}
		if err := s.archiver.ArchiveChallenge(ctx, c, txs); err != nil {
			return fmt.Errorf("challenge_service: archive %s: %w", id, err)
		}
	}
	if err := s.challenges.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("challenge_service: delete %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "challenge_service: challenge deleted",
		slog.String("challenge_id", id),
		slog.String("user_id", userID),
		slog.String("state", string(c.State)),
	)
	s.publish(ctx, domain.EventDeleted, c)
	return nil
}
