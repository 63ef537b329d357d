package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var kst = time.FixedZone("KST", 9*3600)

func window(start, end string) Window {
	return Window{Start: MustTimeOfDay(start), End: MustTimeOfDay(end), Location: kst}
}

func TestIsWithin(t *testing.T) {
	w := window("09:00", "15:30")
	// 2025-03-04 is a Tuesday.
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before open", time.Date(2025, 3, 4, 8, 59, 59, 0, kst), false},
		{"at open", time.Date(2025, 3, 4, 9, 0, 0, 0, kst), true},
		{"midday", time.Date(2025, 3, 4, 12, 0, 0, 0, kst), true},
		{"at close", time.Date(2025, 3, 4, 15, 30, 0, 0, kst), true},
		{"after close", time.Date(2025, 3, 4, 15, 30, 1, 0, kst), false},
		{"saturday", time.Date(2025, 3, 8, 10, 0, 0, 0, kst), false},
		{"sunday", time.Date(2025, 3, 9, 10, 0, 0, 0, kst), false},
		{"utc instant inside", time.Date(2025, 3, 4, 1, 0, 0, 0, time.UTC), true},
		{"utc instant outside", time.Date(2025, 3, 4, 7, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsWithin(w, tc.now))
		})
	}
}

func TestIsWithin_CustomDays(t *testing.T) {
	w := window("00:00", "23:59")
	w.Days = []time.Weekday{time.Saturday}
	assert.True(t, IsWithin(w, time.Date(2025, 3, 8, 10, 0, 0, 0, kst)))
	assert.False(t, IsWithin(w, time.Date(2025, 3, 4, 10, 0, 0, 0, kst)))
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("15:20")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 15, Minute: 20}, tod)
	assert.Equal(t, "15:20", tod.String())

	for _, bad := range []string{"", "25:00", "9am", "15:60"} {
		_, err := ParseTimeOfDay(bad)
		assert.ErrorIs(t, err, ErrInvalidTimeOfDay, bad)
	}
}

func TestPastCutoff(t *testing.T) {
	cutoff := MustTimeOfDay("15:20")
	opened := time.Date(2025, 3, 4, 9, 30, 0, 0, kst)

	assert.False(t, PastCutoff(opened, time.Date(2025, 3, 4, 15, 19, 59, 0, kst), cutoff, kst))
	assert.True(t, PastCutoff(opened, time.Date(2025, 3, 4, 15, 20, 0, 0, kst), cutoff, kst))
	// Carried overnight: the next morning is already past the opening day's cutoff.
	assert.True(t, PastCutoff(opened, time.Date(2025, 3, 5, 9, 0, 0, 0, kst), cutoff, kst))
}

func TestContains(t *testing.T) {
	trading := window("09:00", "15:30")
	assert.True(t, Contains(trading, window("09:00", "15:00")))
	assert.False(t, Contains(trading, window("08:30", "15:00")))
	assert.False(t, Contains(trading, window("09:00", "16:00")))
}

func TestSameDay(t *testing.T) {
	a := time.Date(2025, 3, 4, 23, 30, 0, 0, time.UTC) // 08:30 on the 5th in KST
	b := time.Date(2025, 3, 5, 1, 0, 0, 0, time.UTC)
	assert.True(t, SameDay(a, b, kst))
	assert.False(t, SameDay(a, b, time.UTC))
}
