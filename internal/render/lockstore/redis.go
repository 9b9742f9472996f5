package lockstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErr "workbench/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 30 * time.Second

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisStore emulates session locks with expiring keys carrying a
// per-store token. Ping refreshes the expiry of every held key, so the
// keep-alive interval must stay well below the TTL.
type RedisStore struct {
	client redis.UniversalClient
	token  string
	ttl    time.Duration
	prefix string

	mu   sync.Mutex
	held map[Key]int
}

// NewRedisStore creates a session with a fresh token. A zero ttl means 30s.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{
		client: client,
		token:  uuid.NewString(),
		ttl:    ttl,
		prefix: "workbench:lock",
		held:   make(map[Key]int),
	}
}

func (s *RedisStore) redisKey(key Key) string {
	return fmt.Sprintf("%s:%d:%d", s.prefix, key.Namespace, key.ID)
}

func (s *RedisStore) TryAcquire(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] > 0 {
		s.held[key]++
		return true, nil
	}
	ok, err := s.client.SetNX(ctx, s.redisKey(key), s.token, s.ttl).Result()
	if err != nil {
		return false, appErr.LockStoreFailure(err, "try_acquire")
	}
	if ok {
		s.held[key] = 1
	}
	return ok, nil
}

func (s *RedisStore) Acquire(ctx context.Context, key Key) error {
	return pollAcquire(ctx, func(ctx context.Context) (bool, error) {
		return s.TryAcquire(ctx, key)
	})
}

func (s *RedisStore) Release(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.held[key]
	if n == 0 {
		return appErr.Newf(appErr.LockNotHeld, "redis lock %s is not held", key)
	}
	if n > 1 {
		s.held[key] = n - 1
		return nil
	}
	delete(s.held, key)
	deleted, err := releaseScript.Run(ctx, s.client, []string{s.redisKey(key)}, s.token).Int()
	if err != nil {
		return appErr.LockStoreFailure(err, "release")
	}
	if deleted == 0 {
		return appErr.Newf(appErr.LockStoreLost, "redis lock %s expired while held", key)
	}
	return nil
}

// Ping refreshes every held key. A key that expired or was taken over is
// reported as a lost session.
func (s *RedisStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.held))
	for k := range s.held {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return appErr.LockStoreFailure(err, "ping")
	}
	for _, k := range keys {
		ok, err := refreshScript.Run(ctx, s.client, []string{s.redisKey(k)}, s.token, s.ttl.Milliseconds()).Int()
		if err != nil {
			return appErr.LockStoreFailure(err, "refresh")
		}
		if ok == 0 && s.stillHeld(k) {
			return appErr.Newf(appErr.LockStoreLost, "redis lock %s expired while held", k)
		}
	}
	return nil
}

func (s *RedisStore) stillHeld(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[k] > 0
}
