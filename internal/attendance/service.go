package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"messmeal/internal/cutoff"
	"messmeal/internal/logger"
	"messmeal/internal/metrics"
	"messmeal/internal/model"
	"messmeal/internal/queue"
	"messmeal/internal/store"
)

// Window is the state of today's change window.
type Window struct {
	Date     string    `json:"date"`
	Allowed  bool      `json:"allowed"`
	Deadline time.Time `json:"deadline"`
}

// Service is the entry point for the UI layer: it gates selection edits by session and
// cutoff, runs the reconciler, and serves the read-only projections.
type Service struct {
	store      store.Store
	reconciler *Reconciler
	policy     *cutoff.Policy
	events     queue.Publisher
	log        *logger.Logger
}

// NewService wires a service. A nil publisher drops selection events.
func NewService(s store.Store, policy *cutoff.Policy, events queue.Publisher, log *logger.Logger) *Service {
	if events == nil {
		events = queue.Discard{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if policy == nil {
		policy = cutoff.Default()
	}
	return &Service{
		store:      s,
		reconciler: NewReconciler(s),
		policy:     policy,
		events:     events,
		log:        log,
	}
}

// Policy returns the cutoff policy in use.
func (s *Service) Policy() *cutoff.Policy { return s.policy }

// Window reports whether today's selections may still change.
func (s *Service) Window() Window {
	now := s.policy.Now()
	return Window{
		Date:     model.DateKey(now),
		Allowed:  s.policy.Allowed(now),
		Deadline: s.policy.Deadline(now),
	}
}

// Toggle is the result of a committed ToggleToday call.
type Toggle struct {
	Date     string     `json:"date"`
	Slot     model.Slot `json:"slot"`
	Selected bool       `json:"selected"`
	Outcome  Outcome    `json:"outcome"`
}

// ToggleToday sets the session user's membership of slot for today's date. The returned
// Toggle carries the date actually written.
func (s *Service) ToggleToday(ctx context.Context, sess *model.Session, slot model.Slot, selected bool) (Toggle, error) {
	res, err := s.toggleToday(ctx, sess, slot, selected)
	if err != nil {
		metrics.SelectionFailures.WithLabelValues(Kind(err)).Inc()
		return Toggle{}, err
	}
	metrics.Selections.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (s *Service) toggleToday(ctx context.Context, sess *model.Session, slot model.Slot, selected bool) (Toggle, error) {
	if !sess.Authenticated() {
		return Toggle{}, ErrAuthenticationRequired
	}
	slot, err := model.ParseSlot(string(slot))
	if err != nil {
		return Toggle{}, fmt.Errorf("%w: %w", ErrInvalidSelection, err)
	}
	now := s.policy.Now()
	if !s.policy.Allowed(now) {
		return Toggle{}, ErrPolicyViolation
	}
	date := model.DateKey(now)
	log := s.log.With("user_id", sess.User.ID, "date", date, "slot", slot, "selected", selected)

	outcome, err := s.reconciler.SetSelection(ctx, date, slot, sess.User, selected)
	if err != nil {
		log.Warn("selection failed", "error", err)
		return Toggle{}, err
	}
	res := Toggle{Date: date, Slot: slot, Selected: selected, Outcome: outcome}
	if outcome == OutcomeUnchanged {
		log.Debug("selection unchanged")
		return res, nil
	}
	log.Info("selection committed", "outcome", outcome)
	s.publish(ctx, date, slot, sess.User, selected, outcome)
	return res, nil
}

// publish reports a committed change. The aggregate is already durable, so a queue
// failure is logged and swallowed.
func (s *Service) publish(ctx context.Context, date string, slot model.Slot, user model.Principal, selected bool, outcome Outcome) {
	msg, err := queue.NewSelectionMessage(queue.SelectionEvent{
		ID:         uuid.NewString(),
		Date:       date,
		Slot:       string(slot),
		UserID:     user.ID,
		UserName:   user.DisplayName,
		Selected:   selected,
		Outcome:    string(outcome),
		OccurredAt: time.Now().UTC(),
	})
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		s.log.Warn("selection event publish failed", "user_id", user.ID, "date", date, "error", err)
	}
}

// MySelections returns the session user's per-slot membership on date.
func (s *Service) MySelections(ctx context.Context, sess *model.Session, date string) (map[model.Slot]bool, error) {
	if !sess.Authenticated() {
		return nil, ErrAuthenticationRequired
	}
	if !model.ValidDate(date) {
		return nil, fmt.Errorf("%w: date %q", ErrInvalidSelection, date)
	}
	doc, err := s.store.GetDay(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return SelectionsOf(doc, sess.User.ID), nil
}

// DailySummary returns the three counts for date.
func (s *Service) DailySummary(ctx context.Context, sess *model.Session, date string) (Summary, error) {
	if err := requireAdmin(sess); err != nil {
		return Summary{}, err
	}
	if !model.ValidDate(date) {
		return Summary{}, fmt.Errorf("%w: date %q", ErrInvalidSelection, date)
	}
	doc, err := s.store.GetDay(ctx, date)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return SummaryOf(date, doc), nil
}

// WeeklyTrend returns the counts of the Sunday-aligned week containing date.
func (s *Service) WeeklyTrend(ctx context.Context, sess *model.Session, date string) ([]Summary, error) {
	if err := requireAdmin(sess); err != nil {
		return nil, err
	}
	ref, err := model.ParseDate(date, s.policy.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSelection, err)
	}
	dates := model.WeekDates(ref)
	docs, err := s.store.QueryDays(ctx, dates)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return TrendOf(dates, docs), nil
}

// Roster returns every known user's attendance on date.
func (s *Service) Roster(ctx context.Context, sess *model.Session, date string) (Roster, error) {
	if err := requireAdmin(sess); err != nil {
		return Roster{}, err
	}
	if !model.ValidDate(date) {
		return Roster{}, fmt.Errorf("%w: date %q", ErrInvalidSelection, date)
	}
	users, err := s.store.ListProfiles(ctx)
	if err != nil {
		return Roster{}, fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	doc, err := s.store.GetDay(ctx, date)
	if err != nil {
		return Roster{}, fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return RosterOf(date, users, doc), nil
}

func requireAdmin(sess *model.Session) error {
	if !sess.Authenticated() {
		return ErrAuthenticationRequired
	}
	if !sess.IsAdmin {
		return ErrAdminRequired
	}
	return nil
}

// IsClientError reports whether err is the caller's fault rather than the store's.
func IsClientError(err error) bool {
	return errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrAuthenticationRequired) ||
		errors.Is(err, ErrInvalidSelection) ||
		errors.Is(err, ErrAdminRequired)
}
