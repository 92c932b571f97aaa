package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker provides TTL-bounded mutual exclusion across engine processes.
type RedisLocker struct {
	redis *Redis
	ttl   time.Duration
}

// NewRedisLocker builds a locker whose leases expire after ttl.
func NewRedisLocker(r *Redis, ttl time.Duration) (*RedisLocker, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	return &RedisLocker{redis: r, ttl: ttl}, nil
}

// TryLock acquires key without waiting. The returned unlock releases it only if still held.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	full := l.redis.key("lock", key)
	token := uuid.NewString()

	ok, err := l.redis.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.redis.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}
	return unlock, true, nil
}

// RedisRunMarker remembers which calendar dates a daily job already ran on.
type RedisRunMarker struct {
	redis     *Redis
	retention time.Duration
}

// NewRedisRunMarker builds a marker keeping run dates for two days.
func NewRedisRunMarker(r *Redis) (*RedisRunMarker, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	return &RedisRunMarker{redis: r, retention: 48 * time.Hour}, nil
}

// MarkIfFirst records job as run on date and reports whether no run was recorded before.
func (m *RedisRunMarker) MarkIfFirst(ctx context.Context, job, date string) (bool, error) {
	key := m.redis.key("daily", job, date)
	ok, err := m.redis.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), m.retention).Result()
	if err != nil {
		return false, fmt.Errorf("mark daily run %s: %w", job, err)
	}
	return ok, nil
}
