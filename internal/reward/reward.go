// Package reward holds the pure settlement formulas: pot sizing, difficulty
// and performance multipliers, effort split and the final settle step.
// Rounding happens once, at the totals and at the per-player split.
package reward

import (
	"math"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/progress"
)

const (
	Alpha      = 0.25 // pot growth per extra goal
	PotCapMult = 1.75
	Beta       = 0.35 // difficulty log coefficient
	PERef      = 20.0
	Gamma      = 0.10 // split sensitivity

	MinDifficulty  = 1.0
	MaxDifficulty  = 1.35
	MinPerformance = 1.0
	MaxPerformance = 2.0
	MinShare       = 0.45
	MaxShare       = 0.55
	MaxEffortRatio = 1.5
	GainCapMult    = 3.0
	GainFloorMult  = 1.2

	epsilon = 1e-9
)

// CountGoals is the number of active sub-goals of a multi goal, else 1.
func CountGoals(g domain.Goal) int {
	if g.Kind == domain.GoalMulti && g.Multi != nil {
		if n := len(g.Multi.Targets()); n > 0 {
			return n
		}
	}
	return 1
}

// Pot is round(stake*2 * min(1+Alpha*(nGoals-1), PotCapMult)).
func Pot(stake int64, nGoals int) int64 {
	if nGoals < 1 {
		nGoals = 1
	}
	mult := math.Min(1+Alpha*float64(nGoals-1), PotCapMult)
	return int64(math.Round(float64(stake*2) * mult))
}

// RequiredEffortPoints estimates the effort a goal demands using neutral
// weights. Effort-point goals return their value. The result is at least 1.
func RequiredEffortPoints(g domain.Goal) float64 {
	var pe float64
	switch g.Kind {
	case domain.GoalMulti:
		if g.Multi != nil {
			for _, t := range g.Multi.Targets() {
				pe += t.Value * progress.Neutral.For(t.Metric)
			}
		}
	case domain.GoalSingle:
		if g.Single != nil {
			pe = g.Single.Value * progress.Neutral.For(g.Single.Metric)
		}
	case domain.GoalEffortPoints:
		if g.EffortPoints != nil {
			pe = g.EffortPoints.Value
		}
	}
	return math.Max(pe, 1)
}

// DifficultyMultiplier is clamp(1 + Beta*ln(1+pe/PERef), 1.0, 1.35).
func DifficultyMultiplier(peRequired float64) float64 {
	if peRequired < 0 {
		peRequired = 0
	}
	return clamp(1+Beta*math.Log(1+peRequired/PERef), MinDifficulty, MaxDifficulty)
}

// PerformanceMultiplier is clamp(1 + 0.6p + 0.4*min(e,1), 1.0, 2.0) with e
// first clamped to [0, 1.5].
func PerformanceMultiplier(progressRatio, effortRatio float64) float64 {
	p := clamp(progressRatio, 0, 1)
	e := clamp(effortRatio, 0, MaxEffortRatio)
	return clamp(1.0+0.6*p+0.4*math.Min(e, 1.0), MinPerformance, MaxPerformance)
}

// EffortSplit returns the gain shares of players A and B.
func EffortSplit(peA, peB float64) (shareA, shareB float64) {
	shareA = clamp(0.5+Gamma*(peA-peB)/(peA+peB+epsilon), MinShare, MaxShare)
	shareB = clamp(1-shareA, MinShare, MaxShare)
	return shareA, shareB
}

// Input carries everything Settle needs.
type Input struct {
	Stake         int64
	NGoals        int
	PERequired    float64
	PEA           float64
	PEB           float64
	ProgressRatio float64
	Completed     bool
	// IsSolo gives the whole pot to player A. The engine never settles solo
	// pacts with this formula (they are forced to the simple scheme); the
	// field keeps Settle total for callers using the formula on its own.
	IsSolo bool
}

// Outcome is the integer result of a settlement. Per-player amounts always
// sum to the totals.
type Outcome struct {
	GainTotal   int64
	RefundTotal int64
	BurnTotal   int64
	GainA       int64
	GainB       int64
	RefundA     int64
	RefundB     int64
}

// Settle computes gains on completion, or refund and burn otherwise.
func Settle(in Input) Outcome {
	potBase := in.Stake * 2
	pot := Pot(in.Stake, in.NGoals)
	effortRatio := clamp((in.PEA+in.PEB)/math.Max(in.PERequired, 1), 0, MaxEffortRatio)

	var out Outcome
	if in.Completed {
		gain := float64(pot) * DifficultyMultiplier(in.PERequired) * PerformanceMultiplier(in.ProgressRatio, effortRatio)
		gain = math.Min(gain, float64(potBase)*GainCapMult)
		gain = math.Max(gain, float64(potBase)*GainFloorMult)
		out.GainTotal = int64(math.Round(gain))

		if in.IsSolo {
			out.GainA = out.GainTotal
			return out
		}
		shareA, _ := EffortSplit(in.PEA, in.PEB)
		out.GainA = int64(math.Round(float64(out.GainTotal) * shareA))
		out.GainB = out.GainTotal - out.GainA
		return out
	}

	refundRatio := clamp(0.7*clamp(in.ProgressRatio, 0, 1)+0.3*math.Min(effortRatio, 1), 0, 1)
	out.RefundTotal = int64(math.Round(float64(potBase) * refundRatio))
	out.BurnTotal = potBase - out.RefundTotal

	if in.IsSolo {
		out.RefundA = out.RefundTotal
		return out
	}
	out.RefundA = out.RefundTotal / 2
	out.RefundB = out.RefundTotal - out.RefundA
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
