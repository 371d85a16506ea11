package attendance

import (
	"messmeal/internal/model"
)

// Summary is the attendance count of each slot on one date.
type Summary struct {
	Date      string `json:"date"`
	Breakfast int    `json:"breakfastCount"`
	Lunch     int    `json:"lunchCount"`
	Dinner    int    `json:"dinnerCount"`
}

// RosterRow is one user's line in the daily roster.
type RosterRow struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Breakfast bool   `json:"breakfast"`
	Lunch     bool   `json:"lunch"`
	Dinner    bool   `json:"dinner"`
}

// Roster is the per-user attendance table of a date. HasData is false when no
// selection was ever made for the date.
type Roster struct {
	Date    string      `json:"date"`
	HasData bool        `json:"hasData"`
	Rows    []RosterRow `json:"rows"`
}

// SummaryOf projects doc into counts; a nil doc is all zeros.
func SummaryOf(date string, doc *model.DailyAttendance) Summary {
	return Summary{
		Date:      date,
		Breakfast: doc.Count(model.Breakfast),
		Lunch:     doc.Count(model.Lunch),
		Dinner:    doc.Count(model.Dinner),
	}
}

// TrendOf maps each of dates to its summary, using zero for dates without a document.
func TrendOf(dates []string, docs []model.DailyAttendance) []Summary {
	byDate := make(map[string]*model.DailyAttendance, len(docs))
	for i := range docs {
		byDate[docs[i].Date] = &docs[i]
	}
	out := make([]Summary, len(dates))
	for i, d := range dates {
		out[i] = SummaryOf(d, byDate[d])
	}
	return out
}

// SelectionsOf returns userID's membership of every slot in doc.
func SelectionsOf(doc *model.DailyAttendance, userID string) map[model.Slot]bool {
	out := make(map[model.Slot]bool, len(model.Slots))
	for _, slot := range model.Slots {
		out[slot] = doc.Entry(slot).Has(userID)
	}
	return out
}

// RosterOf builds the roster of users for date.
func RosterOf(date string, users []model.UserProfile, doc *model.DailyAttendance) Roster {
	r := Roster{Date: date, HasData: doc != nil, Rows: make([]RosterRow, 0, len(users))}
	for _, u := range users {
		name := u.Name
		if name == "" {
			name = "Unknown"
		}
		sel := SelectionsOf(doc, u.ID)
		r.Rows = append(r.Rows, RosterRow{
			UserID:    u.ID,
			Name:      name,
			Breakfast: sel[model.Breakfast],
			Lunch:     sel[model.Lunch],
			Dinner:    sel[model.Dinner],
		})
	}
	return r
}
