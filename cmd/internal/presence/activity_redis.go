package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"bazaar/cmd/identity"
)

// RedisActivityStore keeps last-activity timestamps in Redis so every edge and room
// process shares one view. Values are epoch millis under "<prefix><canonical key>".
type RedisActivityStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// touchScript keeps the stored value monotonic under concurrent writers.
var touchScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local nxt = tonumber(ARGV[1])
if nxt > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// NewRedisActivityStore builds a store. ttl bounds how long an idle user's record is kept.
func NewRedisActivityStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisActivityStore {
	if prefix == "" {
		prefix = "bazaar:presence:"
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisActivityStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// LastActivity implements ActivityReader.
func (s *RedisActivityStore) LastActivity(ctx context.Context, ref identity.Ref) (time.Time, bool, error) {
	if ref.IsZero() || ref.Kind != identity.RefID {
		return time.Time{}, false, nil
	}
	v, err := s.rdb.Get(ctx, s.key(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// TouchActivity implements ActivityWriter.
func (s *RedisActivityStore) TouchActivity(ctx context.Context, ref identity.Ref, at time.Time) error {
	if ref.IsZero() || ref.Kind != identity.RefID {
		return nil
	}
	return touchScript.Run(ctx, s.rdb,
		[]string{s.key(ref)},
		at.UnixMilli(), s.ttl.Milliseconds(),
	).Err()
}

// key is the Redis key for an id reference. Records are kept by user id only;
// names are resolved before they reach the store.
func (s *RedisActivityStore) key(ref identity.Ref) string { return s.prefix + ref.Value }
