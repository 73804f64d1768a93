package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces lock keys in a shared Redis.
const DefaultKeyPrefix = "lock:"

// releaseScript deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete script.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// RedisLockerConfig holds configuration for the Redis locker.
type RedisLockerConfig struct {
	// Client is required.
	Client redis.Cmdable
	// KeyPrefix defaults to "lock:".
	KeyPrefix string
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(cfg *RedisLockerConfig) (*RedisLocker, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLocker{client: cfg.Client, prefix: prefix}, nil
}

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("lock ttl must be positive, got %v", ttl)
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return n == 1, nil
}

var _ Locker = (*RedisLocker)(nil)
