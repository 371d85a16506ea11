// Package cutoff decides whether same-day meal selections may still change.
package cutoff

import (
	"time"

	"messmeal/internal/model"
)

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Policy allows mutation strictly before Hour:Minute local time on the evaluation day.
type Policy struct {
	Hour     int
	Minute   int
	Location *time.Location
	Clock    Clock
}

// New returns a policy for the given local cutoff. A nil loc means time.Local and a nil
// clock means SystemClock.
func New(hour, minute int, loc *time.Location, clock Clock) *Policy {
	if loc == nil {
		loc = time.Local
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Policy{Hour: hour, Minute: minute, Location: loc, Clock: clock}
}

// Default is the 21:00 local cutoff.
func Default() *Policy { return New(21, 0, nil, nil) }

// Deadline returns the cutoff instant on now's local calendar day.
func (p *Policy) Deadline(now time.Time) time.Time {
	t := now.In(p.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), p.Hour, p.Minute, 0, 0, p.Location)
}

// Allowed reports whether mutation is permitted at now.
func (p *Policy) Allowed(now time.Time) bool {
	return now.Before(p.Deadline(now))
}

// Now returns the clock's instant in the policy location.
func (p *Policy) Now() time.Time {
	return p.Clock.Now().In(p.Location)
}

// AllowedNow evaluates the policy against the clock.
func (p *Policy) AllowedNow() bool {
	return p.Allowed(p.Now())
}

// Today returns the local date key of the clock's instant.
func (p *Policy) Today() string {
	return model.DateKey(p.Now())
}
