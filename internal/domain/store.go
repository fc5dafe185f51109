package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ChallengeStore persists challenges and their embedded stakes.
//
// Update uses optimistic concurrency: it succeeds only when the stored
// Version equals c.Version, then increments it. Stake rows are written only
// through InsertStake and TransitionStake, which are the guards that keep a
// stake moving out of held at most once.
type ChallengeStore interface {
	Create(ctx context.Context, c Challenge) error
	Get(ctx context.Context, id string) (Challenge, error)
	Update(ctx context.Context, c Challenge) (Challenge, error)
	Delete(ctx context.Context, id string) error

	// InsertStake records a held stake, replacing a settled one for the same
	// user. It returns false when a held stake for the user already exists.
	InsertStake(ctx context.Context, challengeID string, s Stake) (bool, error)
	// TransitionStake moves a held stake to the given status. It returns
	// false when the stake was not held.
	TransitionStake(ctx context.Context, challengeID string, s Stake) (bool, error)

	FindOpenBetween(ctx context.Context, userA, userB string) ([]Challenge, error)
	Current(ctx context.Context, userID string, slot Slot) (Challenge, error)
	ListPending(ctx context.Context, userID string) ([]Challenge, error)
	ListHistory(ctx context.Context, userID string, opts ListOpts) ([]Challenge, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Challenge, error)
	// ListRenewable returns completed challenges with recurrence enabled, no
	// successor yet and the week bound not exhausted.
	ListRenewable(ctx context.Context, limit int) ([]Challenge, error)
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]Challenge, error)
}

// BalanceStore owns the per-user diamond counter.
type BalanceStore interface {
	// Debit decrements only when the balance covers amount; it returns
	// ErrInsufficientFunds otherwise and leaves the balance untouched.
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
	// ClaimDailyChest credits amount at most once per day key.
	ClaimDailyChest(ctx context.Context, userID, day string, amount int64) (int64, error)
	EnsureUser(ctx context.Context, userID string) error
}

// TransactionStore is the append-only diamond transaction log.
type TransactionStore interface {
	Append(ctx context.Context, tx DiamondTransaction) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]DiamondTransaction, error)
	ListByChallenge(ctx context.Context, challengeID string) ([]DiamondTransaction, error)
}

// ActivityReader finds recorded activities for progress evaluation. An
// empty types slice matches every activity type.
type ActivityReader interface {
	Find(ctx context.Context, userID string, types []string, start, end time.Time) ([]Activity, error)
}

// ActivityStore extends ActivityReader with ingestion.
type ActivityStore interface {
	ActivityReader
	Insert(ctx context.Context, a Activity) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
