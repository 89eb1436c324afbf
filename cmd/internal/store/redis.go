package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout, one key per field: qr:<uid> (TTL), activity:<uid> (TTL, epoch ms), status:<uid>.
const (
	qrKeyPrefix       = "qr:"
	activityKeyPrefix = "activity:"
	statusKeyPrefix   = "status:"
)

// saveActivityScript writes ARGV[1] unless a larger live value is stored; the TTL is refreshed
// either way.
var saveActivityScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) and tonumber(cur) >= tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisStore is a Store on a Redis server. It does not own the client.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key, e.g. "relay:" gives "relay:qr:<uid>".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("store: nil redis client")
	}
	s := &RedisStore{rdb: rdb}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) key(prefix, uid string) string { return s.prefix + prefix + uid }

func (s *RedisStore) SaveHandshakeToken(ctx context.Context, uid, token string, ttl time.Duration) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(qrKeyPrefix, uid), token, ttlOr(ttl, DefaultHandshakeTTL)).Err(); err != nil {
		return fmt.Errorf("store: save token: %w", err)
	}
	return nil
}

func (s *RedisStore) HandshakeToken(ctx context.Context, uid string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(qrKeyPrefix, uid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: read token: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) ClearQR(ctx context.Context, uid string) error {
	if err := s.rdb.Del(ctx, s.key(qrKeyPrefix, uid)).Err(); err != nil {
		return fmt.Errorf("store: clear qr: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveLastActivity(ctx context.Context, uid string, at time.Time, ttl time.Duration) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	ttl = ttlOr(ttl, DefaultActivityTTL)

	keys := []string{s.key(activityKeyPrefix, uid)}
	if err := saveActivityScript.Run(ctx, s.rdb, keys, at.UnixMilli(), ttl.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store: save activity: %w", err)
	}
	return nil
}

func (s *RedisStore) LastActivity(ctx context.Context, uid string) (time.Time, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(activityKeyPrefix, uid)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: read activity: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: parse activity %q: %w", v, err)
	}
	return fromMillis(ms), true, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, uid, status string) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(statusKeyPrefix, uid), status, 0).Err(); err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

func (s *RedisStore) Status(ctx context.Context, uid string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(statusKeyPrefix, uid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: read status: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) ClearAll(ctx context.Context, uid string) error {
	// One DEL per key so the keys may live in different cluster slots.
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, prefix := range []string{qrKeyPrefix, activityKeyPrefix, statusKeyPrefix} {
			p.Del(ctx, s.key(prefix, uid))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}
