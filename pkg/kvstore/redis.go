package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evanli-dev/chatsearch/pkg/config"
)

// casScript performs the compare-and-set on a hash holding the value and its
// revision. It returns the new revision on success and -1 on mismatch.
var casScript = redis.NewScript(`
local rev = redis.call('HGET', KEYS[1], 'rev')
if rev == false then rev = '0' end
if rev ~= ARGV[1] then
  return -1
end
local newrev = tonumber(ARGV[1]) + 1
redis.call('HSET', KEYS[1], 'rev', newrev, 'val', ARGV[2])
return newrev
`)

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store and verifies the connection
// with a PING.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Client exposes the underlying go-redis client for collaborators that need
// plain cache operations (the query-result cache).
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	vals, err := s.rdb.HMGet(ctx, key, "val", "rev").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis hmget %s: %w", key, err)
	}
	if vals[0] == nil {
		return nil, 0, ErrKeyNotFound
	}
	value := []byte(vals[0].(string))
	var rev int64
	if vals[1] != nil {
		rev, err = strconv.ParseInt(vals[1].(string), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("parsing revision for %s: %w", key, err)
		}
	}
	return value, rev, nil
}

func (s *RedisStore) SetIfRevision(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	res, err := casScript.Run(ctx, s.rdb, []string{key}, expected, value).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis cas %s: %w", key, err)
	}
	if res < 0 {
		return 0, ErrRevisionMismatch
	}
	return res, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
