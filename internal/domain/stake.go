package domain

import (
	"maps"
	"time"
)

// StakeStatus is the lifecycle of a single held stake.
type StakeStatus string

const (
	StakeHeld     StakeStatus = "held"
	StakeRefunded StakeStatus = "refunded"
	StakeBurned   StakeStatus = "burned"
	StakePaid     StakeStatus = "paid"
)

// Stake is the diamond amount one player risks on a challenge.
// It moves from held to exactly one terminal status.
type Stake struct {
	UserID        string      `json:"user_id"`
	Amount        int64       `json:"amount"`
	Status        StakeStatus `json:"status"`
	SettledAmount int64       `json:"settled_amount"` // credited back on refund or payout
	BurnedAmount  int64       `json:"burned_amount"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// SettlementStatus is the terminal outcome recorded on a challenge.
type SettlementStatus string

const (
	SettlementNone      SettlementStatus = "none"
	SettlementSuccess   SettlementStatus = "success"
	SettlementLoss      SettlementStatus = "loss"
	SettlementCancelled SettlementStatus = "cancelled"
)

// Settlement reason codes.
const (
	ReasonAllCompleted      = "all_completed"
	ReasonExpired           = "expired"
	ReasonCancelledByPlayer = "cancelled_by_player"
	ReasonRefused           = "refused"
	ReasonWithdrawn         = "withdrawn"
	ReasonLeftActive        = "left_active"
)

// Settlement is set exactly once per challenge.
type Settlement struct {
	Status      SettlementStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	SettledAt   *time.Time       `json:"settled_at,omitempty"`
	GainTotal   int64            `json:"gain_total"`
	RefundTotal int64            `json:"refund_total"`
	BurnTotal   int64            `json:"burn_total"`
	// Plan is stored before any stake moves and reused by every settler.
	Plan *SettlementPlan `json:"plan,omitempty"`
}

// SettlementPlan freezes the per-player amounts of a settlement. On success
// Amounts are payouts; on failure they are refunds and the rest of each
// stake is burned.
type SettlementPlan struct {
	Success     bool             `json:"success"`
	Scheme      SettlementScheme `json:"scheme"`
	Amounts     map[string]int64 `json:"amounts"`
	GainTotal   int64            `json:"gain_total"`
	RefundTotal int64            `json:"refund_total"`
	BurnTotal   int64            `json:"burn_total"`
}

// Clone returns a deep copy.
func (p *SettlementPlan) Clone() *SettlementPlan {
	out := *p
	out.Amounts = maps.Clone(p.Amounts)
	return &out
}

// Settled reports whether a terminal settlement has been recorded.
func (s Settlement) Settled() bool {
	return s.Status != "" && s.Status != SettlementNone
}

// TxKind classifies a diamond ledger entry.
type TxKind string

const (
	TxStakeHold   TxKind = "stake_hold"
	TxStakeRefund TxKind = "stake_refund"
	TxStakeBurn   TxKind = "stake_burn"
	TxStakePayout TxKind = "stake_payout"
	TxDailyChest  TxKind = "daily_chest"
	TxAdmin       TxKind = "admin"
	TxOther       TxKind = "other"
)

// DiamondTransaction is an immutable, append-only ledger entry.
type DiamondTransaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"` // positive credit, negative debit
	Kind        TxKind    `json:"kind"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Activity is a single recorded workout.
type Activity struct {
	UserID   string    `json:"user_id"`
	Type     string    `json:"type"`
	Distance float64   `json:"distance"` // km
	Duration float64   `json:"duration"` // minutes
	Date     time.Time `json:"date"`
}

// User carries the diamond balance counter.
type User struct {
	ID            string
	TotalDiamonds int64
	LastChestDay  string // YYYY-MM-DD of the last daily chest claim
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
