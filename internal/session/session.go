// Package session holds the market-time gating shared by the ingestion
// scheduler, the monitoring loop and the forced-liquidation check. All three
// boundaries go through IsWithin / TimeOfDay.On so they can never drift apart.
package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTimeOfDay = errors.New("session: invalid time of day")

// TimeOfDay is a wall-clock time in the market's local zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustTimeOfDay is ParseTimeOfDay for constants.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// UnmarshalText lets TimeOfDay be read from YAML and environment strings.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// On returns the instant at this time of day on day's calendar date in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

// Before reports whether t is earlier in the day than u.
func (t TimeOfDay) Before(u TimeOfDay) bool { return t.minutes() < u.minutes() }

// Window is a daily active period on trading days.
type Window struct {
	Start    TimeOfDay
	End      TimeOfDay
	Days     []time.Weekday // empty means Monday to Friday
	Location *time.Location // nil means UTC
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// TradingDay reports whether day falls on one of the window's weekdays.
func (w Window) TradingDay(day time.Time) bool {
	wd := day.In(w.loc()).Weekday()
	if len(w.Days) == 0 {
		return wd != time.Saturday && wd != time.Sunday
	}
	for _, d := range w.Days {
		if d == wd {
			return true
		}
	}
	return false
}

func (w Window) String() string {
	return fmt.Sprintf("%s-%s %s", w.Start, w.End, w.loc())
}

// IsWithin reports whether now is inside the window. Both ends are inclusive.
func IsWithin(w Window, now time.Time) bool {
	if !w.TradingDay(now) {
		return false
	}
	loc := w.loc()
	local := now.In(loc)
	start := w.Start.On(local, loc)
	end := w.End.On(local, loc)
	return !local.Before(start) && !local.After(end)
}

// Contains reports whether inner lies entirely inside outer on every day.
func Contains(outer, inner Window) bool {
	return outer.Start.minutes() <= inner.Start.minutes() && inner.End.minutes() <= outer.End.minutes()
}

// PastCutoff reports whether now is at or after the cutoff time of day on
// ref's trading date. A ref from an earlier day is always past its cutoff
// once now reaches the next day.
func PastCutoff(ref, now time.Time, cutoff TimeOfDay, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	return !now.Before(cutoff.On(ref, loc))
}

// SameDay reports whether a and b share a calendar date in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
