package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"messmeal/internal/model"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process backend with optimistic versioned transactions.
type Memory struct {
	mu          sync.RWMutex
	days        map[string]*model.DailyAttendance
	versions    map[string]uint64
	profiles    map[string]model.UserProfile
	maxAttempts int
	now         func() time.Time
}

// NewMemory creates an empty store. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewMemory(maxAttempts int) *Memory {
	return &Memory{
		days:        map[string]*model.DailyAttendance{},
		versions:    map[string]uint64{},
		profiles:    map[string]model.UserProfile{},
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the commit clock.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) GetDay(ctx context.Context, date string) (*model.DailyAttendance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.days[date].Clone(), nil
}

func (m *Memory) QueryDays(ctx context.Context, dates []string) ([]model.DailyAttendance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.DailyAttendance{}
	seen := map[string]bool{}
	for _, date := range dates {
		if seen[date] {
			continue
		}
		seen[date] = true
		if d, ok := m.days[date]; ok {
			out = append(out, *d.Clone())
		}
	}
	return out, nil
}

type memoryTxn struct {
	m      *Memory
	reads  map[string]uint64
	writes *staged
}

func (t *memoryTxn) Get(ctx context.Context, date string) (*model.DailyAttendance, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if _, ok := t.reads[date]; !ok {
		t.reads[date] = t.m.versions[date]
	}
	return t.m.days[date].Clone(), nil
}

func (t *memoryTxn) Set(date string, doc *model.DailyAttendance) {
	t.writes.set(date, doc)
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error {
	return retry(ctx, "memory", m.maxAttempts, func() error {
		tx := &memoryTxn{m: m, reads: map[string]uint64{}, writes: newStaged()}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return m.commit(tx)
	})
}

func (m *Memory) commit(tx *memoryTxn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for date, v := range tx.reads {
		if m.versions[date] != v {
			return ErrConflict
		}
	}
	now := m.now()
	for _, date := range tx.writes.order {
		doc := tx.writes.docs[date]
		doc.StampPending(now)
		m.days[date] = doc
		m.versions[date]++
	}
	return nil
}

func (m *Memory) GetProfile(ctx context.Context, id string) (*model.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) UpsertProfile(ctx context.Context, p model.UserProfile) (model.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var existing *model.UserProfile
	if cur, ok := m.profiles[p.ID]; ok {
		existing = &cur
	}
	p = mergeProfile(existing, p, m.now())
	m.profiles[p.ID] = p
	return p, nil
}

func (m *Memory) ListProfiles(ctx context.Context) ([]model.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.UserProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
