package lock

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "poetran:lock:"

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisBackend implements Backend with SET NX PX and owner-checked Lua
// scripts, so locks hold across processes sharing one Redis.
type RedisBackend struct {
	client goredis.Cmdable
}

// NewRedis wraps client. The caller owns the client lifecycle.
func NewRedis(client goredis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+name, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock/redis: setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisBackend) Release(ctx context.Context, name, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + name}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("lock/redis: release: %w", err)
	}
	return n == 1, nil
}

func (r *RedisBackend) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{redisKeyPrefix + name}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock/redis: renew: %w", err)
	}
	return n == 1, nil
}
