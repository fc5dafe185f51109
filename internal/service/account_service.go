package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/ledger"
	"github.com/MOMISBACK/pactengine/internal/progress"
)

// ActivityInput is a recorded workout.
type ActivityInput struct {
	UserID   string  `json:"user_id" validate:"required,max=128"`
	Type     string  `json:"type" validate:"required"`
	Distance float64 `json:"distance" validate:"gte=0"`
	Duration float64 `json:"duration" validate:"gte=0"`
}

// AccountService serves balance reads, the daily chest, operator grants and
// activity ingestion.
type AccountService struct {
	ledger      *ledger.Ledger
	activities  domain.ActivityStore
	window      WindowPolicy
	chestAmount int64
	clock       domain.Clock
	logger      *slog.Logger
}

// NewAccountService creates an AccountService.
func NewAccountService(
	l *ledger.Ledger,
	activities domain.ActivityStore,
	window WindowPolicy,
	chestAmount int64,
	clock domain.Clock,
	logger *slog.Logger,
) *AccountService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &AccountService{
		ledger:      l,
		activities:  activities,
		window:      window,
		chestAmount: chestAmount,
		clock:       clock,
		logger:      logger.With(slog.String("component", "account_service")),
	}
}

// Balance returns the user's diamonds, opening an empty account on first use.
func (s *AccountService) Balance(ctx context.Context, userID string) (int64, error) {
	if err := s.ledger.EnsureAccount(ctx, userID); err != nil {
		return 0, err
	}
	return s.ledger.Balance(ctx, userID)
}

// Transactions lists the user's ledger entries, newest first.
func (s *AccountService) Transactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.DiamondTransaction, error) {
	return s.ledger.History(ctx, userID, opts)
}

// ClaimDailyChest credits the daily reward once per calendar day in the
// engine's time zone.
func (s *AccountService) ClaimDailyChest(ctx context.Context, userID string) (int64, error) {
	if s.chestAmount <= 0 {
		return 0, fmt.Errorf("account_service: daily chest disabled: %w", domain.ErrInvalidInput)
	}
	if err := s.ledger.EnsureAccount(ctx, userID); err != nil {
		return 0, err
	}
	day := s.window.StartOfDay(s.clock.Now()).Format("2006-01-02")
	bal, err := s.ledger.ClaimDailyChest(context.WithoutCancel(ctx), userID, day, s.chestAmount)
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "account_service: daily chest claimed",
		slog.String("user_id", userID),
		slog.String("day", day),
		slog.Int64("balance", bal),
	)
	return bal, nil
}

// Grant applies an operator adjustment.
func (s *AccountService) Grant(ctx context.Context, userID string, amount int64, note string) (int64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("account_service: zero grant: %w", domain.ErrInvalidInput)
	}
	if err := s.ledger.EnsureAccount(ctx, userID); err != nil {
		return 0, err
	}
	bal, err := s.ledger.Grant(context.WithoutCancel(ctx), userID, amount, note)
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "account_service: grant applied",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.String("note", note),
	)
	return bal, nil
}

// RecordActivity stores one activity dated now.
func (s *AccountService) RecordActivity(ctx context.Context, in ActivityInput) (domain.Activity, error) {
	if err := validate.Struct(in); err != nil {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrInvalidInput, err.Error())
	}
	t := strings.ToLower(strings.TrimSpace(in.Type))
	if !progress.KnownType(t) {
		return domain.Activity{}, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidActivityTypes, in.Type)
	}
	a := domain.Activity{
		UserID:   in.UserID,
		Type:     t,
		Distance: in.Distance,
		Duration: in.Duration,
		Date:     s.clock.Now(),
	}
	if err := s.activities.Insert(ctx, a); err != nil {
		return domain.Activity{}, fmt.Errorf("account_service: record activity: %w", err)
	}
	return a, nil
}
