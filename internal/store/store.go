// Package store holds the attendance aggregate and user profile backends.
//
// Every backend gives RunTransaction serializable read-modify-write semantics per date
// document: a transaction body that read a document which changed before commit is
// discarded and re-run against fresh reads, up to the configured attempt budget.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"messmeal/internal/metrics"
	"messmeal/internal/model"
)

var (
	// ErrConflict marks one attempt that lost to a concurrent writer.
	ErrConflict = errors.New("transaction conflict")
	// ErrRetriesExhausted is returned when every attempt lost a conflict.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")
)

// DefaultMaxAttempts matches the usual managed document store budget.
const DefaultMaxAttempts = 5

// Txn is the view a transaction body gets of the store.
type Txn interface {
	// Get returns a private copy of the date document, or nil when absent.
	Get(ctx context.Context, date string) (*model.DailyAttendance, error)
	// Set stages the full document for commit.
	Set(date string, doc *model.DailyAttendance)
}

// AggregateStore holds one DailyAttendance document per date.
type AggregateStore interface {
	GetDay(ctx context.Context, date string) (*model.DailyAttendance, error)
	QueryDays(ctx context.Context, dates []string) ([]model.DailyAttendance, error)
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error
}

// ProfileStore holds user profiles keyed by identity subject.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*model.UserProfile, error)
	UpsertProfile(ctx context.Context, p model.UserProfile) (model.UserProfile, error)
	ListProfiles(ctx context.Context) ([]model.UserProfile, error)
}

// Store is a complete backend.
type Store interface {
	AggregateStore
	ProfileStore
	Ping(ctx context.Context) error
	Close() error
}

// staged collects the writes of one attempt.
type staged struct {
	order []string
	docs  map[string]*model.DailyAttendance
}

func newStaged() *staged {
	return &staged{docs: map[string]*model.DailyAttendance{}}
}

func (s *staged) set(date string, doc *model.DailyAttendance) {
	if _, ok := s.docs[date]; !ok {
		s.order = append(s.order, date)
	}
	c := doc.Clone()
	if c == nil {
		c = model.NewDay(date)
	}
	c.Date = date
	s.docs[date] = c
}

// retry runs attempt until it succeeds, fails with a non-conflict error, or the budget is spent.
func retry(ctx context.Context, backend string, maxAttempts int, attempt func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var last error
	for i := 0; i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		last = err
		metrics.StoreConflicts.WithLabelValues(backend).Inc()
		if i < maxAttempts-1 {
			backoff(ctx, i)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, maxAttempts, last)
}

func backoff(ctx context.Context, attempt int) {
	d := time.Duration(attempt+1) * 5 * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func mergeProfile(existing *model.UserProfile, p model.UserProfile, now time.Time) model.UserProfile {
	if existing != nil {
		if p.Name == "" {
			p.Name = existing.Name
		}
		if p.Email == "" {
			p.Email = existing.Email
		}
		p.IsAdmin = p.IsAdmin || existing.IsAdmin
		p.CreatedAt = existing.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.LastLogin = now
	return p
}
