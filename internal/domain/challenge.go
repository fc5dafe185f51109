package domain

import "time"

// ChallengeMode distinguishes a single-player pact from a two-player pact.
type ChallengeMode string

const (
	ModeSolo ChallengeMode = "solo"
	ModeDuo  ChallengeMode = "duo"
)

// Slot is the relationship context a challenge occupies for a user.
type Slot string

const (
	SlotSolo Slot = "solo"
	SlotP1   Slot = "p1"
	SlotP2   Slot = "p2"
)

// ChallengeState is the single lifecycle enum of a challenge.
type ChallengeState string

const (
	StatePending   ChallengeState = "pending"
	StateActive    ChallengeState = "active"
	StateCompleted ChallengeState = "completed"
	StateFailed    ChallengeState = "failed"
	StateCancelled ChallengeState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ChallengeState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// InvitationStatus is the legacy duo invitation facet, derived from the state.
type InvitationStatus string

const (
	InvitationNone     InvitationStatus = "none"
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRefused  InvitationStatus = "refused"
)

// SettlementScheme selects how held stakes are converted at settlement.
type SettlementScheme string

const (
	// SchemeSimple pays a fixed multiple of the stake on success and burns on failure.
	SchemeSimple SettlementScheme = "simple"
	// SchemeProgression applies the effort-weighted reward formula.
	SchemeProgression SettlementScheme = "progression"
)

// Player is a participant embedded in a challenge.
type Player struct {
	UserID       string     `json:"user_id"`
	Progress     float64    `json:"progress"` // primary metric value, or percentage for multi-goal
	Ratio        float64    `json:"ratio"`
	EffortPoints float64    `json:"effort_points"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Signed       bool       `json:"signed"`
	SignedAt     *time.Time `json:"signed_at,omitempty"`
}

// Recurrence configures automatic renewal after a successful cycle.
type Recurrence struct {
	Enabled           bool   `json:"enabled"`
	WeeksCount        int    `json:"weeks_count"` // 0 means unbounded
	WeeksCompleted    int    `json:"weeks_completed"`
	ParentChallengeID string `json:"parent_challenge_id,omitempty"`
	SuccessorID       string `json:"successor_id,omitempty"`
}

// Challenge is a staked fitness pact for one or two players.
type Challenge struct {
	ID             string           `json:"id"`
	Mode           ChallengeMode    `json:"mode"`
	Slot           Slot             `json:"slot"`
	CreatorID      string           `json:"creator_id"`
	Players        []Player         `json:"players"`
	Goal           Goal             `json:"goal"`
	ActivityTypes  []string         `json:"activity_types"`
	StartDate      time.Time        `json:"start_date"`
	EndDate        time.Time        `json:"end_date"`
	State          ChallengeState   `json:"state"`
	StakePerPlayer int64            `json:"stake_per_player"`
	Stakes         []Stake          `json:"stakes"`
	Settlement     Settlement       `json:"settlement"`
	Recurrence     Recurrence       `json:"recurrence"`
	Scheme         SettlementScheme `json:"scheme"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Player returns a pointer to the participant with the given user ID, or nil.
func (c *Challenge) Player(userID string) *Player {
	for i := range c.Players {
		if c.Players[i].UserID == userID {
			return &c.Players[i]
		}
	}
	return nil
}

// Stake returns a pointer to the stake entry for userID, or nil.
func (c *Challenge) Stake(userID string) *Stake {
	for i := range c.Stakes {
		if c.Stakes[i].UserID == userID {
			return &c.Stakes[i]
		}
	}
	return nil
}

// IsParticipant reports whether userID is one of the players.
func (c *Challenge) IsParticipant(userID string) bool {
	return c.Player(userID) != nil
}

// Partner returns the other player's user ID in a duo challenge.
func (c *Challenge) Partner(userID string) string {
	for _, p := range c.Players {
		if p.UserID != userID {
			return p.UserID
		}
	}
	return ""
}

// AllSigned reports whether every player has signed.
func (c *Challenge) AllSigned() bool {
	for _, p := range c.Players {
		if !p.Signed {
			return false
		}
	}
	return len(c.Players) > 0
}

// StakesCovered reports whether every player has a stored stake held at the
// current StakePerPlayer. Signed flags alone do not prove the money is there.
func (c *Challenge) StakesCovered() bool {
	for _, p := range c.Players {
		st := c.Stake(p.UserID)
		if st == nil || st.Status != StakeHeld || st.Amount != c.StakePerPlayer {
			return false
		}
	}
	return len(c.Players) > 0
}

// Expired reports whether the window has closed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !c.EndDate.IsZero() && !now.Before(c.EndDate)
}

// SucceededInWindow reports whether every player completed strictly before
// the window end.
func (c *Challenge) SucceededInWindow() bool {
	if len(c.Players) == 0 || c.EndDate.IsZero() {
		return false
	}
	for _, p := range c.Players {
		if p.CompletedAt == nil || !p.CompletedAt.Before(c.EndDate) {
			return false
		}
	}
	return true
}

// InvitationStatus derives the legacy invitation facet.
func (c *Challenge) InvitationStatus() InvitationStatus {
	if c.Mode != ModeDuo {
		return InvitationNone
	}
	switch c.State {
	case StatePending:
		return InvitationPending
	case StateCancelled:
		if c.Settlement.Reason == ReasonRefused {
			return InvitationRefused
		}
		if c.StartDate.IsZero() {
			return InvitationRefused
		}
		return InvitationAccepted
	default:
		return InvitationAccepted
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (c Challenge) Clone() Challenge {
	out := c
	out.Players = make([]Player, len(c.Players))
	for i, p := range c.Players {
		if p.CompletedAt != nil {
			t := *p.CompletedAt
			p.CompletedAt = &t
		}
		if p.SignedAt != nil {
			t := *p.SignedAt
			p.SignedAt = &t
		}
		out.Players[i] = p
	}
	out.Stakes = append([]Stake(nil), c.Stakes...)
	out.ActivityTypes = append([]string(nil), c.ActivityTypes...)
	out.Goal = c.Goal.Clone()
	if c.Settlement.SettledAt != nil {
		t := *c.Settlement.SettledAt
		out.Settlement.SettledAt = &t
	}
	if c.Settlement.Plan != nil {
		out.Settlement.Plan = c.Settlement.Plan.Clone()
	}
	return out
}
