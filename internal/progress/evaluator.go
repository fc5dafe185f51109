// Package progress turns recorded activities into goal progress and effort
// points. Everything except Evaluator.Evaluate is pure.
package progress

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

// Result is the evaluated progress of one player against a goal.
type Result struct {
	// Current is the primary metric value, or the percentage for multi goals.
	Current      float64
	Ratio        float64
	Percentage   int
	Completed    bool
	EffortPoints float64
	SubRatios    map[domain.Metric]float64
}

// Totals sums the metric across activities.
func Totals(activities []domain.Activity, m domain.Metric) float64 {
	var sum float64
	for _, a := range activities {
		switch m {
		case domain.MetricDistance:
			sum += math.Max(a.Distance, 0)
		case domain.MetricDuration:
			sum += math.Max(a.Duration, 0)
		case domain.MetricCount:
			sum++
		}
	}
	return sum
}

// Percentage is round(clamp(ratio,0,1)*100).
func Percentage(ratio float64) int {
	return int(math.Round(clamp(ratio, 0, 1) * 100))
}

// Compute evaluates activities against the goal. Activities are assumed to be
// already filtered to the allowed types and window.
func Compute(goal domain.Goal, activities []domain.Activity) (Result, error) {
	if err := goal.Validate(); err != nil {
		return Result{}, err
	}
	pe := EffortPoints(activities)
	res := Result{EffortPoints: pe}

	switch goal.Kind {
	case domain.GoalSingle:
		current := Totals(activities, goal.Single.Metric)
		res.Current = current
		res.Ratio = current / goal.Single.Value
		res.Completed = current >= goal.Single.Value
		res.Percentage = Percentage(res.Ratio)

	case domain.GoalMulti:
		targets := goal.Multi.Targets()
		res.SubRatios = make(map[domain.Metric]float64, len(targets))
		minRatio := math.Inf(1)
		all := true
		for _, t := range targets {
			r := Totals(activities, t.Metric) / t.Value
			res.SubRatios[t.Metric] = r
			if r < minRatio {
				minRatio = r
			}
			if r < 1 {
				all = false
			}
		}
		res.Ratio = minRatio
		res.Percentage = Percentage(minRatio)
		res.Current = float64(res.Percentage)
		res.Completed = all

	case domain.GoalEffortPoints:
		res.Current = pe
		res.Ratio = pe / goal.EffortPoints.Value
		res.Completed = pe >= goal.EffortPoints.Value
		res.Percentage = Percentage(res.Ratio)
	}
	return res, nil
}

// FilterActivities keeps activities of the allowed types inside [start, end].
func FilterActivities(activities []domain.Activity, types []string, start, end time.Time) []domain.Activity {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[strings.ToLower(t)] = true
	}
	out := make([]domain.Activity, 0, len(activities))
	for _, a := range activities {
		if len(allowed) > 0 && !allowed[strings.ToLower(a.Type)] {
			continue
		}
		if a.Date.Before(start) || a.Date.After(end) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ValidateActivityTypes requires a list of distinct, known activity types.
// An empty list means every type counts.
func ValidateActivityTypes(types []string) error {
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			return fmt.Errorf("%w: empty type", domain.ErrInvalidActivityTypes)
		}
		if !KnownType(key) {
			return fmt.Errorf("%w: unknown type %q", domain.ErrInvalidActivityTypes, t)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate type %q", domain.ErrInvalidActivityTypes, t)
		}
		seen[key] = true
	}
	return nil
}

// Evaluator fetches activities for a player and computes their progress.
type Evaluator struct {
	activities domain.ActivityReader
}

// NewEvaluator creates an Evaluator backed by the given activity reader.
func NewEvaluator(activities domain.ActivityReader) *Evaluator {
	return &Evaluator{activities: activities}
}

// Evaluate computes progress for userID within the challenge window.
func (e *Evaluator) Evaluate(ctx context.Context, c domain.Challenge, userID string) (Result, error) {
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return Result{}, fmt.Errorf("progress: challenge %s has no window", c.ID)
	}
	acts, err := e.activities.Find(ctx, userID, c.ActivityTypes, c.StartDate, c.EndDate)
	if err != nil {
		return Result{}, fmt.Errorf("progress: find activities for %s: %w", userID, err)
	}
	return Compute(c.Goal, FilterActivities(acts, c.ActivityTypes, c.StartDate, c.EndDate))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
