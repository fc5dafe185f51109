package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/ledger"
	"github.com/MOMISBACK/pactengine/internal/metrics"
	"github.com/MOMISBACK/pactengine/internal/progress"
	"github.com/MOMISBACK/pactengine/internal/settlement"
)

// maxUpdateAttempts bounds optimistic-concurrency retries.
const maxUpdateAttempts = 4

// Alerter forwards operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Options holds the engine defaults.
type Options struct {
	DefaultStake int64
	Window       WindowPolicy
}

// ChallengeService owns the challenge state machine. It holds no mutable
// state of its own; every transition reads and writes through the stores.
type ChallengeService struct {
	challenges domain.ChallengeStore
	ledger     *ledger.Ledger
	evaluator  *progress.Evaluator
	strategies *settlement.Registry
	recurrence *RecurrenceManager
	archiver   domain.Archiver
	bus        domain.SignalBus
	alerts     Alerter
	clock      domain.Clock
	metrics    *metrics.Metrics
	opts       Options
	logger     *slog.Logger
}

// NewChallengeService wires the orchestrator. archiver, bus, alerts and m may
// be nil.
func NewChallengeService(
	challenges domain.ChallengeStore,
	l *ledger.Ledger,
	evaluator *progress.Evaluator,
	strategies *settlement.Registry,
	archiver domain.Archiver,
	bus domain.SignalBus,
	alerts Alerter,
	clock domain.Clock,
	m *metrics.Metrics,
	opts Options,
	logger *slog.Logger,
) *ChallengeService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if opts.DefaultStake <= 0 {
		opts.DefaultStake = 10
	}
	s := &ChallengeService{
		challenges: challenges,
		ledger:     l,
		evaluator:  evaluator,
		strategies: strategies,
		archiver:   archiver,
		bus:        bus,
		alerts:     alerts,
		clock:      clock,
		metrics:    m,
		opts:       opts,
		logger:     logger.With(slog.String("component", "challenge_service")),
	}
	s.recurrence = NewRecurrenceManager(challenges, l, opts.Window, bus, clock, logger)
	return s
}

// Recurrence exposes the recurrence manager for the renewal sweep.
func (s *ChallengeService) Recurrence() *RecurrenceManager { return s.recurrence }

// Create starts a challenge. Solo challenges hold the creator's stake and
// become active immediately; duo challenges hold the creator's stake and wait
// in pending for the partner to sign.
func (s *ChallengeService) Create(ctx context.Context, in CreateInput) (domain.Challenge, error) {
	if err := in.validate(); err != nil {
		return domain.Challenge{}, err
	}
	// Stake movements below must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	now := s.clock.Now()
	stake := in.Stake
	if stake <= 0 {
		stake = s.opts.DefaultStake
	}
	scheme := domain.SettlementScheme(in.Scheme)
	if scheme == "" {
		scheme = s.strategies.Default()
	}

	c := domain.Challenge{
		ID:             uuid.NewString(),
		Mode:           in.Mode,
		Slot:           in.Slot,
		CreatorID:      in.CreatorID,
		Goal:           in.Goal.Clone(),
		ActivityTypes:  normalizeTypes(in.ActivityTypes),
		State:          domain.StatePending,
		StakePerPlayer: stake,
		Scheme:         scheme,
		Settlement:     domain.Settlement{Status: domain.SettlementNone},
		Recurrence:     domain.Recurrence{Enabled: in.Recurring, WeeksCount: in.WeeksCount},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	creator := domain.Player{UserID: in.CreatorID, Signed: true, SignedAt: &now}

	switch in.Mode {
	case domain.ModeSolo:
		c.Slot = domain.SlotSolo
		// The progression formula splits a two-player pot; solo pacts settle
		// with the fixed multiple.
		c.Scheme = domain.SchemeSimple
		c.Players = []domain.Player{creator}
	case domain.ModeDuo:
		if c.Slot == "" || c.Slot == domain.SlotSolo {
			c.Slot = domain.SlotP1
		}
		open, err := s.challenges.FindOpenBetween(ctx, in.CreatorID, in.PartnerID)
		if err != nil {
			return domain.Challenge{}, fmt.Errorf("challenge_service: find open pacts: %w", err)
		}
		if len(open) > 0 {
			return domain.Challenge{}, domain.ErrDuplicatePact
		}
		c.Players = []domain.Player{creator, {UserID: in.PartnerID}}
	}

	if err := s.challenges.Create(ctx, c); err != nil {
		return domain.Challenge{}, fmt.Errorf("challenge_service: create: %w", err)
	}
	if _, err := s.ledger.HoldStake(ctx, &c, in.CreatorID, stake); err != nil {
		s.discard(ctx, c.ID)
		return domain.Challenge{}, err
	}

	if in.Mode == domain.ModeSolo {
		c.StartDate, c.EndDate = s.opts.Window.From(now)
		c.State = domain.StateActive
		updated, err := s.challenges.Update(ctx, c)
		if err != nil {
			s.compensate(ctx, &c, in.CreatorID)
			s.discard(ctx, c.ID)
			return domain.Challenge{}, fmt.Errorf("challenge_service: activate solo: %w", err)
		}
		c = updated
	} else {
		stored, err := s.challenges.Get(ctx, c.ID)
		if err == nil {
			c = stored
		}
	}

	s.logger.InfoContext(ctx, "challenge_service: challenge created",
		slog.String("challenge_id", c.ID),
		slog.String("mode", string(c.Mode)),
		slog.String("state", string(c.State)),
		slog.Int64("stake", stake),
	)
	s.publish(ctx, domain.EventCreated, c)
	return c, nil
}

// Sign records a player's acceptance. The signer's stake is held first at
// the current StakePerPlayer. The window opens and the challenge becomes
// active only once every player has signed and every stored stake is held
// at that amount.
func (s *ChallengeService) Sign(ctx context.Context, id, userID string) (domain.Challenge, error) {
	ctx = context.WithoutCancel(ctx)
	held := false
	c, err := s.mutate(ctx, id, func(c *domain.Challenge) error {
		if !c.IsParticipant(userID) {
			return domain.ErrNotAParticipant
		}
		if c.State != domain.StatePending {
			return domain.ErrInvitationUnavailable
		}
		p := c.Player(userID)
		if p.Signed {
			return domain.ErrInvitationUnavailable
		}
		ok, err := s.ledger.RestakeAt(ctx, c, userID, c.StakePerPlayer)
		if err != nil {
			return err
		}
		held = held || ok

		now := s.clock.Now()
		p.Signed = true
		p.SignedAt = &now
		if c.AllSigned() && c.StakesCovered() {
			c.StartDate, c.EndDate = s.opts.Window.From(now)
			c.State = domain.StateActive
		}
		return nil
	})
	if err != nil {
		if held {
			if cur, gerr := s.challenges.Get(ctx, id); gerr == nil {
				s.compensate(ctx, &cur, userID)
			}
		}
		return domain.Challenge{}, err
	}

	s.logger.InfoContext(ctx, "challenge_service: challenge signed",
		slog.String("challenge_id", c.ID),
		slog.String("user_id", userID),
		slog.String("state", string(c.State)),
	)
	s.publish(ctx, domain.EventSigned, c)
	if c.State == domain.StateActive {
		s.publish(ctx, domain.EventActivated, c)
	}
	return c, nil
}

// Refuse declines a pending invitation. Held stakes are refunded and the
// challenge is cancelled; the refusing player risks nothing.
func (s *ChallengeService) Refuse(ctx context.Context, id, userID string) (domain.Challenge, error) {
	ctx = context.WithoutCancel(ctx)
	c, err := s.challenges.Get(ctx, id)
	if err != nil {
		return domain.Challenge{}, s.notFound(err)
	}
	if !c.IsParticipant(userID) {
		return domain.Challenge{}, domain.ErrNotAParticipant
	}
	if c.State != domain.StatePending {
		return domain.Challenge{}, domain.ErrInvitationUnavailable
	}
	reason := domain.ReasonRefused
	if userID == c.CreatorID {
		reason = domain.ReasonWithdrawn
	}
	c, err = s.cancelPending(ctx, c, reason)
	if err != nil {
		return domain.Challenge{}, err
	}
	s.publish(ctx, domain.EventRefused, c)
	return c, nil
}

// Update changes the terms of a pending challenge. Only the creator may
// update. Every player other than the creator must sign again; a stake
// change also unsigns the creator. The new terms are written first and only
// then are stakes held at the old amount refunded, so a concurrent Sign
// either conflicts or sees the new terms. A stake held at the unchanged
// amount is kept and re-signing does not debit it again.
func (s *ChallengeService) Update(ctx context.Context, id, userID string, in UpdateInput) (domain.Challenge, error) {
	if err := in.validate(); err != nil {
		return domain.Challenge{}, err
	}
	ctx = context.WithoutCancel(ctx)
	c, err := s.mutate(ctx, id, func(c *domain.Challenge) error {
		if c.CreatorID != userID {
			return domain.ErrNotAParticipant
		}
		if c.State != domain.StatePending {
			return domain.ErrInvalidState
		}
		if in.Goal != nil {
			c.Goal = in.Goal.Clone()
		}
		if in.ActivityTypes != nil {
			c.ActivityTypes = normalizeTypes(*in.ActivityTypes)
		}
		if in.Recurring != nil {
			c.Recurrence.Enabled = *in.Recurring
		}
		if in.WeeksCount != nil {
			c.Recurrence.WeeksCount = *in.WeeksCount
		}
		stakeChanged := in.Stake != nil && *in.Stake != c.StakePerPlayer
		if stakeChanged {
			c.StakePerPlayer = *in.Stake
		}
		for i := range c.Players {
			p := &c.Players[i]
			if p.UserID == c.CreatorID && !stakeChanged {
				continue
			}
			p.Signed = false
			p.SignedAt = nil
		}
		c.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return domain.Challenge{}, err
	}
	if c, err = s.releaseStaleStakes(ctx, id); err != nil {
		return domain.Challenge{}, err
	}
	s.publish(ctx, domain.EventUpdated, c)
	return c, nil
}

// releaseStaleStakes refunds stakes held at an amount other than the stored
// StakePerPlayer. Such a stake can never activate the challenge.
func (s *ChallengeService) releaseStaleStakes(ctx context.Context, id string) (domain.Challenge, error) {
	c, err := s.challenges.Get(ctx, id)
	if err != nil {
		return domain.Challenge{}, s.notFound(err)
	}
	if c.State != domain.StatePending {
		return c, nil
	}
	for _, st := range slices.Clone(c.Stakes) {
		if st.Status != domain.StakeHeld || st.Amount == c.StakePerPlayer {
			continue
		}
		if _, err := s.ledger.RefundStakeIfHeld(ctx, &c, st.UserID, "terms updated"); err != nil {
			return domain.Challenge{}, err
		}
	}
	return c, nil
}

// Get returns a challenge by ID.
func (s *ChallengeService) Get(ctx context.Context, id string) (domain.Challenge, error) {
	c, err := s.challenges.Get(ctx, id)
	if err != nil {
		return domain.Challenge{}, s.notFound(err)
	}
	return c, nil
}

// Current returns the user's active challenge in slot.
func (s *ChallengeService) Current(ctx context.Context, userID string, slot domain.Slot) (domain.Challenge, error) {
	c, err := s.challenges.Current(ctx, userID, slot)
	if err != nil {
		return domain.Challenge{}, s.notFound(err)
	}
	return c, nil
}

// Pending lists invitations involving the user.
func (s *ChallengeService) Pending(ctx context.Context, userID string) ([]domain.Challenge, error) {
	out, err := s.challenges.ListPending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("challenge_service: list pending: %w", err)
	}
	return out, nil
}

// History lists the user's finished challenges.
func (s *ChallengeService) History(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Challenge, error) {
	out, err := s.challenges.ListHistory(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("challenge_service: list history: %w", err)
	}
	return out, nil
}

// mutate loads the challenge, applies fn and writes it back, retrying on
// version conflicts. fn must be safe to run again against a fresh copy,
// which holds because every stake movement is guarded by the store.
func (s *ChallengeService) mutate(ctx context.Context, id string, fn func(c *domain.Challenge) error) (domain.Challenge, error) {
	c, err := mutateChallenge(ctx, s.challenges, s.clock, id, fn)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Challenge{}, domain.ErrNoActiveChallenge
	}
	return c, err
}

func mutateChallenge(ctx context.Context, store domain.ChallengeStore, clock domain.Clock, id string, fn func(c *domain.Challenge) error) (domain.Challenge, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		c, err := store.Get(ctx, id)
		if err != nil {
			return domain.Challenge{}, fmt.Errorf("challenge %s: %w", id, err)
		}
		if err := fn(&c); err != nil {
			return domain.Challenge{}, err
		}
		c.UpdatedAt = clock.Now()
		updated, err := store.Update(ctx, c)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Challenge{}, fmt.Errorf("update challenge %s: %w", id, err)
		}
		lastErr = err
	}
	return domain.Challenge{}, fmt.Errorf("update challenge %s: %w", id, lastErr)
}

// cancelPending refunds every held stake, then marks the challenge cancelled.
// Refunding first keeps a retry after a crash safe.
func (s *ChallengeService) cancelPending(ctx context.Context, c domain.Challenge, reason string) (domain.Challenge, error) {
	for _, p := range c.Players {
		if _, err := s.ledger.RefundStakeIfHeld(ctx, &c, p.UserID, reason); err != nil {
			return domain.Challenge{}, err
		}
	}
	return s.mutate(ctx, c.ID, func(c *domain.Challenge) error {
		if c.Settlement.Settled() {
			return nil
		}
		// Stakes held by a concurrent signer after our refunds.
		for _, p := range c.Players {
			if _, err := s.ledger.RefundStakeIfHeld(ctx, c, p.UserID, reason); err != nil {
				return err
			}
		}
		now := s.clock.Now()
		c.State = domain.StateCancelled
		c.Settlement = domain.Settlement{Status: domain.SettlementCancelled, Reason: reason, SettledAt: &now}
		return nil
	})
}

// compensate refunds a stake held earlier in a sequence that then failed.
func (s *ChallengeService) compensate(ctx context.Context, c *domain.Challenge, userID string) {
	if _, err := s.ledger.RefundStakeIfHeld(ctx, c, userID, "compensation"); err != nil {
		s.logger.ErrorContext(ctx, "challenge_service: compensating refund failed",
			slog.String("challenge_id", c.ID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		s.alert(ctx, "refund_failed", "Compensating refund failed",
			fmt.Sprintf("challenge %s user %s: %v", c.ID, userID, err))
	}
}

// discard deletes a challenge that never became usable.
func (s *ChallengeService) discard(ctx context.Context, id string) {
	if err := s.challenges.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "challenge_service: discard failed",
			slog.String("challenge_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ChallengeService) notFound(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNoActiveChallenge
	}
	return fmt.Errorf("challenge_service: %w", err)
}

func (s *ChallengeService) alert(ctx context.Context, event, title, message string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "challenge_service: alert failed", slog.String("error", err.Error()))
	}
}

// publish emits a lifecycle event. Bus failures are logged and ignored.
func (s *ChallengeService) publish(ctx context.Context, t domain.EventType, c domain.Challenge) {
	publishEvent(ctx, s.bus, s.logger, t, c, s.clock.Now())
}

func publishEvent(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, t domain.EventType, c domain.Challenge, at time.Time) {
	if bus == nil {
		return
	}
	ids := make([]string, 0, len(c.Players))
	for _, p := range c.Players {
		ids = append(ids, p.UserID)
	}
	payload, err := json.Marshal(domain.ChallengeEvent{
		Type:        t,
		ChallengeID: c.ID,
		UserIDs:     ids,
		State:       c.State,
		At:          at,
	})
	if err != nil {
		return
	}
	if err := bus.Publish(ctx, domain.ChannelChallenges, payload); err != nil {
		logger.WarnContext(ctx, "publish challenge event failed",
			slog.String("event", string(t)),
			slog.String("challenge_id", c.ID),
			slog.String("error", err.Error()),
		)
	}
}
