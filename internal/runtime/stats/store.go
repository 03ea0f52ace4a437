// Package stats keeps the shared assignment counters and builds the operator
// status snapshot. Counters live in a Store whose increments are atomic on the
// storage side, so producers and workers in different processes never race.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding every counter.
const DefaultRedisKey = "assignflow:stats"

// Store holds named counters and values.
type Store interface {
	// Increment atomically adds one to key and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)
	// Set overwrites key.
	Set(ctx context.Context, key, value string) error
	// Values returns every key.
	Values(ctx context.Context) (map[string]string, error)
}

// RedisStore keeps counters as fields of one Redis hash.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	owns   bool
	closed atomic.Bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership.
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// OpenRedis connects to url and pings it. Close releases the connection.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("stats: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stats: connect to redis: %w", err)
	}
	store := NewRedisStore(client, DefaultRedisKey)
	store.owns = true
	return store, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HIncrBy(ctx, s.key, key, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("stats: increment %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("stats: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Values(ctx context.Context) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: read counters: %w", err)
	}
	return values, nil
}

// Close closes the client when the store opened it.
func (s *RedisStore) Close() error {
	if !s.owns || s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// MemoryStore keeps counters in process memory. It suits tests and
// single-process setups where the channel store is not Redis.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	ints   map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]string),
		ints:   make(map[string]int64),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[key]++
	delete(s.values, key)
	return s.ints[key], nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ints, key)
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Values(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values)+len(s.ints))
	for k, v := range s.values {
		out[k] = v
	}
	for k, v := range s.ints {
		out[k] = strconv.FormatInt(v, 10)
	}
	return out, nil
}
