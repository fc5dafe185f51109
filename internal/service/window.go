package service

import (
	"fmt"
	"time"
)

// Window alignments.
const (
	AlignRolling = "rolling"
	AlignWeekly  = "weekly"
)

// WindowPolicy computes whole-day challenge windows in one time zone.
type WindowPolicy struct {
	Days      int
	Alignment string
	Location  *time.Location
}

// NewWindowPolicy validates and builds a policy.
func NewWindowPolicy(days int, alignment, tz string) (WindowPolicy, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return WindowPolicy{}, fmt.Errorf("window: load timezone %q: %w", tz, err)
	}
	if days <= 0 {
		days = 7
	}
	switch alignment {
	case "", AlignRolling:
		alignment = AlignRolling
	case AlignWeekly:
	default:
		return WindowPolicy{}, fmt.Errorf("window: unknown alignment %q", alignment)
	}
	return WindowPolicy{Days: days, Alignment: alignment, Location: loc}, nil
}

func (w WindowPolicy) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// StartOfDay is 00:00:00.000 of t's day.
func (w WindowPolicy) StartOfDay(t time.Time) time.Time {
	t = t.In(w.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, w.loc())
}

// EndOfDay is 23:59:59.999 of t's day.
func (w WindowPolicy) EndOfDay(t time.Time) time.Time {
	return w.StartOfDay(t).AddDate(0, 0, 1).Add(-time.Millisecond)
}

// From returns the window starting on the day of start.
func (w WindowPolicy) From(start time.Time) (time.Time, time.Time) {
	s := w.StartOfDay(start)
	days := w.Days
	if days <= 0 {
		days = 7
	}
	if w.Alignment == AlignWeekly {
		// Close on the Sunday after the start day.
		days = (7-int(s.Weekday()))%7 + 1
		if s.Weekday() == time.Sunday {
			days = 8
		}
	}
	return s, w.EndOfDay(s.AddDate(0, 0, days-1))
}

// After returns the window beginning the day after prevEnd.
func (w WindowPolicy) After(prevEnd time.Time) (time.Time, time.Time) {
	return w.From(w.StartOfDay(prevEnd).AddDate(0, 0, 1))
}
