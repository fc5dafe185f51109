package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowPolicy_Rolling(t *testing.T) {
	w, err := NewWindowPolicy(7, AlignRolling, "UTC")
	require.NoError(t, err)

	start, end := w.From(time.Date(2026, 5, 6, 18, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 5, 12, 23, 59, 59, int(999*time.Millisecond), time.UTC), end)

	next, nextEnd := w.After(end)
	assert.Equal(t, time.Date(2026, 5, 13, 0, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Date(2026, 5, 19, 23, 59, 59, int(999*time.Millisecond), time.UTC), nextEnd)
}

func TestWindowPolicy_Weekly(t *testing.T) {
	w, err := NewWindowPolicy(7, AlignWeekly, "UTC")
	require.NoError(t, err)

	tests := []struct {
		name    string
		start   time.Time
		wantEnd time.Time
	}{
		{"monday", time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)},
		{"thursday", time.Date(2026, 5, 7, 9, 0, 0, 0, time.UTC), time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)},
		{"sunday", time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC), time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, end := w.From(tt.start)
			assert.Equal(t, w.EndOfDay(tt.wantEnd), end)
			assert.Equal(t, time.Sunday, end.Weekday())
		})
	}
}

func TestWindowPolicy_TimeZone(t *testing.T) {
	w, err := NewWindowPolicy(1, AlignRolling, "Europe/Paris")
	require.NoError(t, err)

	// 23:30 UTC is already the next day in Paris.
	start, end := w.From(time.Date(2026, 5, 4, 23, 30, 0, 0, time.UTC))
	assert.Equal(t, 5, start.Day())
	assert.Equal(t, 0, start.Hour())
	assert.Equal(t, 5, end.Day())
	assert.Equal(t, 23, end.Hour())
}

func TestNewWindowPolicy_Errors(t *testing.T) {
	_, err := NewWindowPolicy(7, "monthly", "UTC")
	assert.Error(t, err)

	_, err = NewWindowPolicy(7, AlignRolling, "Not/AZone")
	assert.Error(t, err)

	w, err := NewWindowPolicy(0, "", "UTC")
	require.NoError(t, err)
	assert.Equal(t, 7, w.Days)
	assert.Equal(t, AlignRolling, w.Alignment)
}
