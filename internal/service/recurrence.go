package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/ledger"
)

// RecurrenceManager spawns the successor of a successfully settled recurring
// challenge.
type RecurrenceManager struct {
	challenges domain.ChallengeStore
	ledger     *ledger.Ledger
	window     WindowPolicy
	bus        domain.SignalBus
	clock      domain.Clock
	logger     *slog.Logger
}

// NewRecurrenceManager creates a RecurrenceManager. bus may be nil.
func NewRecurrenceManager(
	challenges domain.ChallengeStore,
	l *ledger.Ledger,
	window WindowPolicy,
	bus domain.SignalBus,
	clock domain.Clock,
	logger *slog.Logger,
) *RecurrenceManager {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RecurrenceManager{
		challenges: challenges,
		ledger:     l,
		window:     window,
		bus:        bus,
		clock:      clock,
		logger:     logger.With(slog.String("component", "recurrence")),
	}
}

// Renewable reports whether c should get a successor. WeeksCompleted has
// already been incremented for the cycle that just succeeded.
func Renewable(c domain.Challenge) bool {
	r := c.Recurrence
	if c.State != domain.StateCompleted || !r.Enabled || r.SuccessorID != "" {
		return false
	}
	return r.WeeksCount == 0 || r.WeeksCompleted-1 < r.WeeksCount
}

// Renew creates and activates the successor of parentID. It returns false
// with no error when the parent is not eligible or another caller already
// renewed it. The parent is claimed first by recording the successor ID, so
// concurrent renewals produce at most one successor.
func (m *RecurrenceManager) Renew(ctx context.Context, parentID string) (domain.Challenge, bool, error) {
	ctx = context.WithoutCancel(ctx)
	successorID := uuid.NewString()
	claimed := false
	parent, err := mutateChallenge(ctx, m.challenges, m.clock, parentID, func(c *domain.Challenge) error {
		claimed = Renewable(*c)
		if !claimed {
			return errNotRenewable
		}
		c.Recurrence.SuccessorID = successorID
		return nil
	})
	if errors.Is(err, errNotRenewable) {
		return domain.Challenge{}, false, nil
	}
	if err != nil {
		return domain.Challenge{}, false, fmt.Errorf("recurrence: claim %s: %w", parentID, err)
	}

	now := m.clock.Now()
	start, end := m.window.After(parent.EndDate)
	if !now.Before(end) {
		start, end = m.window.From(now)
	}
	root := parent.Recurrence.ParentChallengeID
	if root == "" {
		root = parent.ID
	}
	players := make([]domain.Player, 0, len(parent.Players))
	for _, p := range parent.Players {
		signedAt := now
		players = append(players, domain.Player{UserID: p.UserID, Signed: true, SignedAt: &signedAt})
	}
	next := domain.Challenge{
		ID:             successorID,
		Mode:           parent.Mode,
		Slot:           parent.Slot,
		CreatorID:      parent.CreatorID,
		Players:        players,
		Goal:           parent.Goal.Clone(),
		ActivityTypes:  append([]string(nil), parent.ActivityTypes...),
		StartDate:      start,
		EndDate:        end,
		State:          domain.StatePending,
		StakePerPlayer: parent.StakePerPlayer,
		Scheme:         parent.Scheme,
		Settlement:     domain.Settlement{Status: domain.SettlementNone},
		Recurrence: domain.Recurrence{
			Enabled:           true,
			WeeksCount:        parent.Recurrence.WeeksCount,
			WeeksCompleted:    parent.Recurrence.WeeksCompleted,
			ParentChallengeID: root,
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.challenges.Create(ctx, next); err != nil {
		// The pair already runs another pact; the chain ends here.
		m.release(ctx, parentID, errors.Is(err, domain.ErrDuplicatePact))
		return domain.Challenge{}, false, fmt.Errorf("recurrence: create successor: %w", err)
	}
	for _, p := range next.Players {
		if _, err := m.ledger.HoldStake(ctx, &next, p.UserID, next.StakePerPlayer); err != nil {
			m.abandon(ctx, &next)
			m.release(ctx, parentID, errors.Is(err, domain.ErrInsufficientFunds))
			return domain.Challenge{}, false, fmt.Errorf("recurrence: hold stake for %s: %w", p.UserID, err)
		}
	}

	next.State = domain.StateActive
	active, err := m.challenges.Update(ctx, next)
	if err != nil {
		m.abandon(ctx, &next)
		m.release(ctx, parentID, false)
		return domain.Challenge{}, false, fmt.Errorf("recurrence: activate successor: %w", err)
	}

	m.logger.InfoContext(ctx, "recurrence: challenge renewed",
		slog.String("parent_id", parentID),
		slog.String("challenge_id", active.ID),
		slog.Int("weeks_completed", active.Recurrence.WeeksCompleted),
		slog.Int("weeks_count", active.Recurrence.WeeksCount),
	)
	publishEvent(ctx, m.bus, m.logger, domain.EventRenewed, active, now)
	return active, true, nil
}

var errNotRenewable = errors.New("not renewable")

// abandon refunds whatever was held for an unfinished successor and deletes it.
func (m *RecurrenceManager) abandon(ctx context.Context, next *domain.Challenge) {
	for _, p := range next.Players {
		if _, err := m.ledger.RefundStakeIfHeld(ctx, next, p.UserID, "renewal aborted"); err != nil {
			m.logger.ErrorContext(ctx, "recurrence: refund failed",
				slog.String("challenge_id", next.ID),
				slog.String("user_id", p.UserID),
				slog.String("error", err.Error()),
			)
			// Keep the record so the held stake stays visible.
			return
		}
	}
	if err := m.challenges.Delete(ctx, next.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.WarnContext(ctx, "recurrence: delete successor failed",
			slog.String("challenge_id", next.ID),
			slog.String("error", err.Error()),
		)
	}
}

// release clears the claim on the parent so a later sweep can retry. When
// disable is set the chain stops instead.
func (m *RecurrenceManager) release(ctx context.Context, parentID string, disable bool) {
	_, err := mutateChallenge(ctx, m.challenges, m.clock, parentID, func(c *domain.Challenge) error {
		c.Recurrence.SuccessorID = ""
		if disable {
			c.Recurrence.Enabled = false
		}
		return nil
	})
	if err != nil {
		m.logger.WarnContext(ctx, "recurrence: release parent failed",
			slog.String("parent_id", parentID),
			slog.String("error", err.Error()),
		)
	}
}
