// Package settlement turns a finished challenge into per-player amounts.
// Two schemes exist: the legacy fixed-multiple payout with full burn on
// failure, and the progression formula from package reward.
package settlement

import (
	"fmt"
	"math"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/reward"
)

// Plan lists what each player receives. On success Amounts are payouts; on
// failure they are refunds and the rest of each stake is burned.
type Plan struct {
	Success bool
	Amounts map[string]int64
	Outcome reward.Outcome
}

// Strategy computes a settlement plan for a challenge.
type Strategy interface {
	Scheme() domain.SettlementScheme
	Plan(c domain.Challenge, success bool) Plan
}

// Simple pays stake*Multiplier on success and refunds nothing on failure.
type Simple struct {
	Multiplier int64
}

// Scheme returns the scheme identifier.
func (Simple) Scheme() domain.SettlementScheme { return domain.SchemeSimple }

// Plan implements Strategy.
func (s Simple) Plan(c domain.Challenge, success bool) Plan {
	mult := s.Multiplier
	if mult <= 0 {
		mult = 4
	}
	p := Plan{Success: success, Amounts: make(map[string]int64, len(c.Players))}
	for _, pl := range c.Players {
		stake := c.StakePerPlayer
		if st := c.Stake(pl.UserID); st != nil {
			stake = st.Amount
		}
		if success {
			p.Amounts[pl.UserID] = stake * mult
			p.Outcome.GainTotal += stake * mult
		} else {
			p.Amounts[pl.UserID] = 0
			p.Outcome.BurnTotal += stake
		}
	}
	return p
}

// Progression applies reward.Settle using each player's effort points and
// the team's mean progress ratio.
type Progression struct{}

// Scheme returns the scheme identifier.
func (Progression) Scheme() domain.SettlementScheme { return domain.SchemeProgression }

// Plan implements Strategy.
func (Progression) Plan(c domain.Challenge, success bool) Plan {
	in := Input(c, success)
	out := reward.Settle(in)
	p := Plan{Success: success, Outcome: out, Amounts: make(map[string]int64, len(c.Players))}
	if len(c.Players) == 0 {
		return p
	}
	a := c.Players[0].UserID
	if success {
		p.Amounts[a] = out.GainA
	} else {
		p.Amounts[a] = out.RefundA
	}
	if len(c.Players) > 1 {
		b := c.Players[1].UserID
		if success {
			p.Amounts[b] = out.GainB
		} else {
			p.Amounts[b] = out.RefundB
		}
	}
	return p
}

// Input builds the reward calculator input from a challenge.
func Input(c domain.Challenge, completed bool) reward.Input {
	in := reward.Input{
		Stake:      c.StakePerPlayer,
		NGoals:     reward.CountGoals(c.Goal),
		PERequired: reward.RequiredEffortPoints(c.Goal),
		Completed:  completed,
		IsSolo:     len(c.Players) < 2,
	}
	var ratioSum float64
	for i, pl := range c.Players {
		switch i {
		case 0:
			in.PEA = pl.EffortPoints
		case 1:
			in.PEB = pl.EffortPoints
		}
		ratioSum += math.Max(0, math.Min(pl.Ratio, 1))
	}
	if n := len(c.Players); n > 0 {
		in.ProgressRatio = ratioSum / float64(n)
	}
	return in
}

// Registry resolves a strategy by scheme.
type Registry struct {
	strategies map[domain.SettlementScheme]Strategy
	fallback   domain.SettlementScheme
}

// NewRegistry builds a registry with both schemes; fallback is used for
// challenges that carry no scheme.
func NewRegistry(legacyMultiplier int64, fallback domain.SettlementScheme) (*Registry, error) {
	r := &Registry{
		strategies: map[domain.SettlementScheme]Strategy{
			domain.SchemeSimple:      Simple{Multiplier: legacyMultiplier},
			domain.SchemeProgression: Progression{},
		},
		fallback: fallback,
	}
	if _, ok := r.strategies[fallback]; !ok {
		return nil, fmt.Errorf("settlement: unknown scheme %q", fallback)
	}
	return r, nil
}

// For returns the strategy for the challenge.
func (r *Registry) For(c domain.Challenge) Strategy {
	if s, ok := r.strategies[c.Scheme]; ok {
		return s
	}
	return r.strategies[r.fallback]
}

// Default returns the configured scheme for new challenges.
func (r *Registry) Default() domain.SettlementScheme { return r.fallback }
