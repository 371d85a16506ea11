package model

import (
	"errors"
	"strings"
	"time"
)

// Slot identifies one of the daily meal categories.
type Slot string

const (
	Breakfast Slot = "breakfast"
	Lunch     Slot = "lunch"
	Dinner    Slot = "dinner"
)

// Slots lists the meal slots in serving order.
var Slots = []Slot{Breakfast, Lunch, Dinner}

var ErrUnknownSlot = errors.New("unknown meal slot")

// ParseSlot accepts a slot name in any case.
func ParseSlot(s string) (Slot, error) {
	switch Slot(strings.ToLower(strings.TrimSpace(s))) {
	case Breakfast:
		return Breakfast, nil
	case Lunch:
		return Lunch, nil
	case Dinner:
		return Dinner, nil
	}
	return "", ErrUnknownSlot
}

// AttendanceRecord is one student's selection of a meal slot.
// Timestamp is zero until the store stamps it at commit.
type AttendanceRecord struct {
	UserID    string    `json:"userId" bson:"userId"`
	Name      string    `json:"name" bson:"name"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// MealEntry holds the members of one meal slot. Count always equals len(Students).
type MealEntry struct {
	Count    int                `json:"count" bson:"count"`
	Students []AttendanceRecord `json:"students" bson:"students"`
}

// IndexOf returns the position of userID in Students, or -1.
func (m *MealEntry) IndexOf(userID string) int {
	if m == nil {
		return -1
	}
	for i, s := range m.Students {
		if s.UserID == userID {
			return i
		}
	}
	return -1
}

// Has reports whether userID is a member of the slot.
func (m *MealEntry) Has(userID string) bool { return m.IndexOf(userID) >= 0 }

// DailyAttendance is the aggregate for one calendar date.
type DailyAttendance struct {
	Date  string              `json:"date" bson:"date"`
	Meals map[Slot]*MealEntry `json:"meals" bson:"meals"`
}

// NewDay returns an empty aggregate for date.
func NewDay(date string) *DailyAttendance {
	return &DailyAttendance{Date: date, Meals: map[Slot]*MealEntry{}}
}

// Entry returns the entry for slot, or nil when the slot was never written.
func (d *DailyAttendance) Entry(slot Slot) *MealEntry {
	if d == nil || d.Meals == nil {
		return nil
	}
	return d.Meals[slot]
}

// Count returns the attendance of slot, zero when absent.
func (d *DailyAttendance) Count(slot Slot) int {
	if e := d.Entry(slot); e != nil {
		return e.Count
	}
	return 0
}

// Clone returns a deep copy.
func (d *DailyAttendance) Clone() *DailyAttendance {
	if d == nil {
		return nil
	}
	out := &DailyAttendance{Date: d.Date, Meals: make(map[Slot]*MealEntry, len(d.Meals))}
	for slot, e := range d.Meals {
		if e == nil {
			continue
		}
		students := make([]AttendanceRecord, len(e.Students))
		copy(students, e.Students)
		out.Meals[slot] = &MealEntry{Count: e.Count, Students: students}
	}
	return out
}

// StampPending sets the timestamp of every record that has none.
func (d *DailyAttendance) StampPending(at time.Time) {
	if d == nil {
		return
	}
	for _, e := range d.Meals {
		if e == nil {
			continue
		}
		for i := range e.Students {
			if e.Students[i].Timestamp.IsZero() {
				e.Students[i].Timestamp = at
			}
		}
	}
}

// UserProfile is the identity-provider backed user document.
type UserProfile struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Email     string    `json:"email" bson:"email"`
	IsAdmin   bool      `json:"isAdmin" bson:"isAdmin"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	LastLogin time.Time `json:"lastLogin" bson:"lastLogin"`
}

// Principal is the authenticated caller.
type Principal struct {
	ID          string
	DisplayName string
}

// Session is the explicit per-request context passed to the core.
type Session struct {
	User    Principal
	IsAdmin bool
}

// Authenticated reports whether the session carries a principal.
func (s *Session) Authenticated() bool {
	return s != nil && s.User.ID != ""
}
