package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"messmeal/internal/model"
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

var _ Store = (*RedisStore)(nil)

const (
	dayKeyPrefix = "daily_meals:"
	profilesKey  = "users"
)

// RedisStore keeps each date document as JSON under daily_meals:<date> and uses
// WATCH/MULTI/EXEC for optimistic transactions.
type RedisStore struct {
	client      *redis.Client
	maxAttempts int
	now         func() time.Time
}

// NewRedisStore builds a store on an existing client.
func NewRedisStore(client *redis.Client, maxAttempts int) *RedisStore {
	return &RedisStore{
		client:      client,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func dayKey(date string) string { return dayKeyPrefix + date }

func decodeDay(raw string) (*model.DailyAttendance, error) {
	var d model.DailyAttendance
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decode daily attendance: %w", err)
	}
	if d.Meals == nil {
		d.Meals = map[model.Slot]*model.MealEntry{}
	}
	return &d, nil
}

func (s *RedisStore) GetDay(ctx context.Context, date string) (*model.DailyAttendance, error) {
	raw, err := s.client.Get(ctx, dayKey(date)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDay(raw)
}

func (s *RedisStore) QueryDays(ctx context.Context, dates []string) ([]model.DailyAttendance, error) {
	out := []model.DailyAttendance{}
	if len(dates) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(dates))
	seen := map[string]bool{}
	for _, d := range dates {
		if !seen[d] {
			seen[d] = true
			keys = append(keys, dayKey(d))
		}
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		d, err := decodeDay(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

type redisTxn struct {
	tx      *redis.Tx
	watched map[string]bool
	writes  *staged
}

// Get watches key on its first read only, so a write landing between two reads of the
// same date still fails the commit.
func (t *redisTxn) Get(ctx context.Context, date string) (*model.DailyAttendance, error) {
	key := dayKey(date)
	if !t.watched[key] {
		if err := t.tx.Watch(ctx, key).Err(); err != nil {
			return nil, err
		}
		t.watched[key] = true
	}
	raw, err := t.tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDay(raw)
}

func (t *redisTxn) Set(date string, doc *model.DailyAttendance) {
	t.writes.set(date, doc)
}

func (s *RedisStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error {
	return retry(ctx, "redis", s.maxAttempts, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			rt := &redisTxn{tx: tx, watched: map[string]bool{}, writes: newStaged()}
			if err := fn(ctx, rt); err != nil {
				return err
			}
			if len(rt.writes.order) == 0 {
				return nil
			}
			now := s.now()
			payloads := make(map[string][]byte, len(rt.writes.order))
			for _, date := range rt.writes.order {
				doc := rt.writes.docs[date]
				doc.StampPending(now)
				b, err := json.Marshal(doc)
				if err != nil {
					return fmt.Errorf("encode daily attendance: %w", err)
				}
				payloads[date] = b
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, date := range rt.writes.order {
					pipe.Set(ctx, dayKey(date), payloads[date], 0)
				}
				return nil
			})
			if errors.Is(err, redis.TxFailedErr) {
				return ErrConflict
			}
			return err
		})
	})
}

func (s *RedisStore) GetProfile(ctx context.Context, id string) (*model.UserProfile, error) {
	raw, err := s.client.HGet(ctx, profilesKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p model.UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) UpsertProfile(ctx context.Context, p model.UserProfile) (model.UserProfile, error) {
	var out model.UserProfile
	err := retry(ctx, "redis", s.maxAttempts, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			var existing *model.UserProfile
			raw, err := tx.HGet(ctx, profilesKey, p.ID).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				var cur model.UserProfile
				if err := json.Unmarshal([]byte(raw), &cur); err != nil {
					return fmt.Errorf("decode profile: %w", err)
				}
				existing = &cur
			}
			out = mergeProfile(existing, p, s.now())
			b, err := json.Marshal(out)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, profilesKey, out.ID, b)
				return nil
			})
			if errors.Is(err, redis.TxFailedErr) {
				return ErrConflict
			}
			return err
		}, profilesKey)
	})
	return out, err
}

func (s *RedisStore) ListProfiles(ctx context.Context) ([]model.UserProfile, error) {
	all, err := s.client.HGetAll(ctx, profilesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.UserProfile, 0, len(all))
	for _, raw := range all {
		var p model.UserProfile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
