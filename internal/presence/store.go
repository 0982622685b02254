package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 2 * time.Minute

	indexKey  = "relay:sessions"
	keyPrefix = "relay:session:"
)

// Entry describes a live relay session. It never carries conversation
// content.
type Entry struct {
	ID          string    `json:"id"`
	Instance    string    `json:"instance"`
	Voice       string    `json:"voice,omitempty"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (e *Entry) RedisKey() string {
	return keyPrefix + e.ID
}

type Store struct {
	redis *redis.Client
	ttl   time.Duration
	clock clock.Clock
}

func NewStore(redisClient *redis.Client, ttl time.Duration, clk clock.Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{redis: redisClient, ttl: ttl, clock: clk}
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) Put(ctx context.Context, entry Entry) error {
	now := s.clock.Now()
	entry.UpdatedAt = now

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, entry.RedisKey(), data, s.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(now.Add(s.ttl).Unix()),
		Member: entry.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Remove(ctx context.Context, id string) error {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, keyPrefix+id)
	pipe.ZRem(ctx, indexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) prune(ctx context.Context) error {
	max := strconv.FormatInt(s.clock.Now().Unix(), 10)
	return s.redis.ZRemRangeByScore(ctx, indexKey, "-inf", "("+max).Err()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	return s.redis.ZCard(ctx, indexKey).Result()
}

func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if err := s.prune(ctx); err != nil {
		return nil, err
	}

	ids, err := s.redis.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
