package coord

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript implements version-guarded replacement server-side so the
// read-compare-write sequence is atomic across server processes.
//
// KEYS[1] = record key
// ARGV[1] = expected version (0 means the key must be absent)
// ARGV[2] = new value (JSON with a top-level "version" field)
// ARGV[3] = ttl in milliseconds (0 means no expiry)
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local expect = tonumber(ARGV[1])
if not cur then
  if expect ~= 0 then
    return 0
  end
else
  local ok, rec = pcall(cjson.decode, cur)
  if not ok or tonumber(rec['version']) ~= expect then
    return 0
  end
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore is the shared durable RecordStore. It is the ground truth
// for leader, state and recovery records when multiple server processes
// serve connections of the same user.
type RedisStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithRedisKeyPrefix namespaces all record keys (default "quorum:").
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore constructs a record store backed by Redis.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("coord: nil redis client")
	}
	s := &RedisStore{rdb: rdb, keyPrefix: "quorum:"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) key(key string) string { return s.keyPrefix + key }

// Get returns the stored value or ErrRecordNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Set writes value with ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, s.key(key), value, ttl).Err()
}

// SetNX writes value only if the key is absent.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.SetNX(ctx, s.key(key), value, ttl).Result()
}

// CompareAndSwap replaces the value only if the stored record's version
// matches expect, atomically via a server-side script.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expect int64, value []byte, ttl time.Duration) (bool, error) {
	ttlMillis := int64(0)
	if ttl > 0 {
		ttlMillis = ttl.Milliseconds()
	}

	n, err := casScript.Run(ctx, s.rdb, []string{s.key(key)}, expect, value, ttlMillis).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}
