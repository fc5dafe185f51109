package domain

import (
	"fmt"
	"math"
)

// GoalKind tags which variant of Goal is populated.
type GoalKind string

const (
	GoalSingle       GoalKind = "single"
	GoalMulti        GoalKind = "multi"
	GoalEffortPoints GoalKind = "effort_points"
)

// Metric is an activity quantity a goal can target.
type Metric string

const (
	MetricDistance Metric = "distance" // km
	MetricDuration Metric = "duration" // minutes
	MetricCount    Metric = "count"    // sessions
)

// SingleGoal targets one metric.
type SingleGoal struct {
	Metric Metric  `json:"metric"`
	Value  float64 `json:"value"`
}

// MultiGoal targets up to three metrics at once. Nil means inactive.
type MultiGoal struct {
	Distance *float64 `json:"distance,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
	Count    *float64 `json:"count,omitempty"`
}

// EffortPointsGoal targets a total of weighted effort points.
type EffortPointsGoal struct {
	Value float64 `json:"value"`
}

// Goal is a tagged variant; exactly one pointer matching Kind is set.
type Goal struct {
	Kind         GoalKind          `json:"kind"`
	Single       *SingleGoal       `json:"single,omitempty"`
	Multi        *MultiGoal        `json:"multi,omitempty"`
	EffortPoints *EffortPointsGoal `json:"effort_points,omitempty"`
}

// NewSingleGoal builds a single-metric goal.
func NewSingleGoal(m Metric, value float64) Goal {
	return Goal{Kind: GoalSingle, Single: &SingleGoal{Metric: m, Value: value}}
}

// NewMultiGoal builds a multi-metric goal.
func NewMultiGoal(distance, duration, count *float64) Goal {
	return Goal{Kind: GoalMulti, Multi: &MultiGoal{Distance: distance, Duration: duration, Count: count}}
}

// NewEffortPointsGoal builds an effort-points goal.
func NewEffortPointsGoal(value float64) Goal {
	return Goal{Kind: GoalEffortPoints, EffortPoints: &EffortPointsGoal{Value: value}}
}

// Targets returns the active metric targets of a multi goal in a fixed order.
func (m MultiGoal) Targets() []MetricTarget {
	var out []MetricTarget
	if m.Distance != nil {
		out = append(out, MetricTarget{Metric: MetricDistance, Value: *m.Distance})
	}
	if m.Duration != nil {
		out = append(out, MetricTarget{Metric: MetricDuration, Value: *m.Duration})
	}
	if m.Count != nil {
		out = append(out, MetricTarget{Metric: MetricCount, Value: *m.Count})
	}
	return out
}

// MetricTarget pairs a metric with its target value.
type MetricTarget struct {
	Metric Metric
	Value  float64
}

func validTarget(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks the variant is well-formed.
func (g Goal) Validate() error {
	switch g.Kind {
	case GoalSingle:
		if g.Single == nil || g.Multi != nil || g.EffortPoints != nil {
			return fmt.Errorf("%w: single goal payload missing", ErrInvalidGoal)
		}
		switch g.Single.Metric {
		case MetricDistance, MetricDuration, MetricCount:
		default:
			return fmt.Errorf("%w: unknown metric %q", ErrInvalidGoal, g.Single.Metric)
		}
		if !validTarget(g.Single.Value) {
			return fmt.Errorf("%w: value must be > 0", ErrInvalidGoal)
		}
	case GoalMulti:
		if g.Multi == nil || g.Single != nil || g.EffortPoints != nil {
			return fmt.Errorf("%w: multi goal payload missing", ErrInvalidGoal)
		}
		targets := g.Multi.Targets()
		if len(targets) == 0 {
			return fmt.Errorf("%w: multi goal needs at least one sub-goal", ErrInvalidGoal)
		}
		for _, t := range targets {
			if !validTarget(t.Value) {
				return fmt.Errorf("%w: %s target must be > 0", ErrInvalidGoal, t.Metric)
			}
		}
	case GoalEffortPoints:
		if g.EffortPoints == nil || g.Single != nil || g.Multi != nil {
			return fmt.Errorf("%w: effort points payload missing", ErrInvalidGoal)
		}
		if !validTarget(g.EffortPoints.Value) {
			return fmt.Errorf("%w: value must be > 0", ErrInvalidGoal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidGoal, g.Kind)
	}
	return nil
}

// Clone deep-copies the populated variant.
func (g Goal) Clone() Goal {
	out := Goal{Kind: g.Kind}
	if g.Single != nil {
		s := *g.Single
		out.Single = &s
	}
	if g.EffortPoints != nil {
		e := *g.EffortPoints
		out.EffortPoints = &e
	}
	if g.Multi != nil {
		m := MultiGoal{}
		if g.Multi.Distance != nil {
			v := *g.Multi.Distance
			m.Distance = &v
		}
		if g.Multi.Duration != nil {
			v := *g.Multi.Duration
			m.Duration = &v
		}
		if g.Multi.Count != nil {
			v := *g.Multi.Count
			m.Count = &v
		}
		out.Multi = &m
	}
	return out
}
