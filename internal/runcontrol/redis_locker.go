package runcontrol

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// refreshScript extends key's TTL only if it's still held by owner, so a
// worker that lost its lock to staleness can't accidentally resurrect it.
const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end`

// releaseScript deletes key only if it's still held by owner, the standard
// check-and-delete pattern for Redis-backed locks.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end`

// RedisLocker is a Redis-backed Locker, grounded on
// internal/orchestrator/dedupe.go's RedisDedupeStore: same NewClient-and-Ping
// construction, generalized from a plain Get/Set cache to an owner-checked
// mutual-exclusion lock.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to addr and pings it to validate the connection,
// following RedisDedupeStore's constructor shape.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisLocker{client: c}, nil
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (l *RedisLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := l.client.Eval(ctx, refreshScript, []string{key}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	_, err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Result()
	return err
}

func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close releases the underlying Redis client, mirroring RedisDedupeStore's
// Close method for graceful shutdown in main.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
