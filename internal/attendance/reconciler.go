package attendance

import (
	"context"
	"fmt"

	"messmeal/internal/model"
	"messmeal/internal/store"
)

// Outcome is what a committed SetSelection did to the slot.
type Outcome string

const (
	OutcomeAdded     Outcome = "added"
	OutcomeRemoved   Outcome = "removed"
	OutcomeUnchanged Outcome = "unchanged"
)

// Reconciler toggles one user's membership of one meal slot inside a store transaction.
// It applies no time policy; callers gate same-day edits.
type Reconciler struct {
	store store.AggregateStore
}

// NewReconciler creates a reconciler over s.
func NewReconciler(s store.AggregateStore) *Reconciler {
	return &Reconciler{store: s}
}

// SetSelection makes user's membership of slot on date equal to selected.
// Restating the current state is a no-op and writes nothing. Any store failure is
// returned wrapped in ErrTransientStore and leaves the aggregate as it was.
func (r *Reconciler) SetSelection(ctx context.Context, date string, slot model.Slot, user model.Principal, selected bool) (Outcome, error) {
	if !model.ValidDate(date) {
		return "", fmt.Errorf("%w: date %q", ErrInvalidSelection, date)
	}
	slot, err := model.ParseSlot(string(slot))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSelection, err)
	}
	if user.ID == "" {
		return "", ErrAuthenticationRequired
	}

	var outcome Outcome
	err = r.store.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		doc, err := tx.Get(ctx, date)
		if err != nil {
			return err
		}
		if doc == nil {
			doc = model.NewDay(date)
		}
		if doc.Meals == nil {
			doc.Meals = map[model.Slot]*model.MealEntry{}
		}
		entry := doc.Meals[slot]
		if entry == nil {
			entry = &model.MealEntry{}
		}

		outcome = apply(entry, user, selected)
		if outcome == OutcomeUnchanged {
			return nil
		}
		doc.Date = date
		doc.Meals[slot] = entry
		tx.Set(date, doc)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return outcome, nil
}

// apply runs the membership transition table on entry and re-derives Count.
func apply(entry *model.MealEntry, user model.Principal, selected bool) Outcome {
	idx := entry.IndexOf(user.ID)
	switch {
	case selected && idx < 0:
		// Timestamp stays zero; the store stamps it at commit.
		entry.Students = append(entry.Students, model.AttendanceRecord{UserID: user.ID, Name: user.DisplayName})
		entry.Count = len(entry.Students)
		return OutcomeAdded
	case !selected && idx >= 0:
		entry.Students = append(entry.Students[:idx], entry.Students[idx+1:]...)
		entry.Count = len(entry.Students)
		return OutcomeRemoved
	}
	return OutcomeUnchanged
}
