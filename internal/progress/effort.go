package progress

import (
	"math"
	"strings"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

// Weights converts raw activity volume into effort points.
type Weights struct {
	Distance float64 // per km
	Duration float64 // per minute
	Session  float64 // per activity
}

// Neutral applies to activity types without a dedicated entry.
var Neutral = Weights{Distance: 0.5, Duration: 0.08, Session: 0.7}

var typeWeights = map[string]Weights{
	"running":  {Distance: 1.0, Duration: 0.10, Session: 1.0},
	"walking":  {Distance: 0.6, Duration: 0.05, Session: 0.5},
	"hiking":   {Distance: 0.8, Duration: 0.06, Session: 0.8},
	"cycling":  {Distance: 0.3, Duration: 0.08, Session: 0.8},
	"swimming": {Distance: 4.0, Duration: 0.12, Session: 1.0},
	"workout":  {Distance: 0, Duration: 0.15, Session: 1.2},
	"yoga":     {Distance: 0, Duration: 0.07, Session: 0.8},
}

// WeightsFor returns the weight triple for an activity type.
func WeightsFor(activityType string) Weights {
	if w, ok := typeWeights[strings.ToLower(strings.TrimSpace(activityType))]; ok {
		return w
	}
	return Neutral
}

// KnownType reports whether the activity type has dedicated weights.
func KnownType(activityType string) bool {
	_, ok := typeWeights[strings.ToLower(strings.TrimSpace(activityType))]
	return ok
}

// For returns the neutral weight that applies to a goal metric.
func (w Weights) For(m domain.Metric) float64 {
	switch m {
	case domain.MetricDistance:
		return w.Distance
	case domain.MetricDuration:
		return w.Duration
	case domain.MetricCount:
		return w.Session
	}
	return 0
}

type volume struct {
	km, minutes float64
	sessions    int
}

// EffortPoints aggregates volume per activity type, applies that type's
// weights and rounds the total to one decimal.
func EffortPoints(activities []domain.Activity) float64 {
	byType := make(map[string]*volume)
	var order []string
	for _, a := range activities {
		key := strings.ToLower(strings.TrimSpace(a.Type))
		v, ok := byType[key]
		if !ok {
			v = &volume{}
			byType[key] = v
			order = append(order, key)
		}
		v.km += math.Max(a.Distance, 0)
		v.minutes += math.Max(a.Duration, 0)
		v.sessions++
	}

	var total float64
	for _, key := range order {
		v := byType[key]
		w := WeightsFor(key)
		total += v.km*w.Distance + v.minutes*w.Duration + float64(v.sessions)*w.Session
	}
	return round1(total)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
