package limiter

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis shares per-user counts across processes. Each counter carries a TTL
// that is refreshed on acquire, so a process that dies holding slots cannot pin
// them longer than the TTL.
type Redis struct {
	client    goredis.Cmdable
	limit     int
	keyPrefix string
	ttl       time.Duration
}

// RedisOption configures Redis.
type RedisOption func(*Redis)

// WithKeyPrefix sets the key prefix (default "pixelcraft:inflight:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.keyPrefix = prefix }
}

// WithTTL sets the counter expiry (default 30m). It must exceed the longest attempt.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func NewRedis(client goredis.Cmdable, limit int, opts ...RedisOption) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	r := &Redis{
		client:    client,
		limit:     limit,
		keyPrefix: "pixelcraft:inflight:",
		ttl:       30 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(userID string) string {
	return r.keyPrefix + userID
}

// acquireScript checks and increments in one step.
// KEYS[1] = counter key
// ARGV[1] = limit
// ARGV[2] = ttl (milliseconds)
// Returns 1 when a slot was taken, 0 when the user is at the limit.
var acquireScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
    return 0
end
redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]))
return 1
`)

// releaseScript decrements, floored at zero.
// KEYS[1] = counter key
var releaseScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 1 then
    redis.call("DEL", KEYS[1])
    return 0
end
return redis.call("DECR", KEYS[1])
`)

func (r *Redis) TryAcquire(ctx context.Context, userID string) (bool, error) {
	res, err := acquireScript.Run(ctx, r.client, []string{r.key(userID)}, r.limit, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("limiter/redis: acquire: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Release(ctx context.Context, userID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(userID)}).Err(); err != nil {
		return fmt.Errorf("limiter/redis: release: %w", err)
	}
	return nil
}

func (r *Redis) Active(ctx context.Context, userID string) (int, error) {
	n, err := r.client.Get(ctx, r.key(userID)).Int()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("limiter/redis: active: %w", err)
	}
	return n, nil
}

func (r *Redis) Limit() int { return r.limit }
