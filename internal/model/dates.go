package model

import (
	"fmt"
	"time"
)

// DateLayout is the key format of the daily aggregates.
const DateLayout = "2006-01-02"

// DateKey formats t as a calendar date in t's location.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD key in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// ValidDate reports whether s is a well-formed date key.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// WeekDates returns the seven date keys of the Sunday-aligned week containing ref,
// computed in ref's location.
func WeekDates(ref time.Time) []string {
	start := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location())
	start = start.AddDate(0, 0, -int(start.Weekday()))
	out := make([]string, 7)
	for i := range out {
		out[i] = DateKey(start.AddDate(0, 0, i))
	}
	return out
}
