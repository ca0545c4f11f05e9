/**
 * @description
 * Fixed-window rate limiter for the admin surface, backed by Redis so the
 * budget holds across replicas. Reprocess calls fan out to upstream RPC
 * providers, which is the resource the limit actually protects.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client and server-side scripting.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// One INCR plus a conditional PEXPIRE, atomic on the server. The PTTL read
// covers the edge where the key exists without an expiry.
var adminRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisAdminRateLimiter counts admin requests per (scope, subject) inside a
// rolling fixed window.
type RedisAdminRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisAdminRateLimiter(client redis.UniversalClient, prefix string) *RedisAdminRateLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "aurum:rate_limit"
	}
	return &RedisAdminRateLimiter{client: client, prefix: p}
}

// ConsumeRateLimit spends one unit of the subject's budget and reports the
// running count for the current window. A zero count with nil error means
// the limiter is disabled or the inputs were unusable; callers treat that as
// "not limited".
func (r *RedisAdminRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	// Sub-second windows round up so PEXPIRE always gets a sane argument.
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.prefix + ":" + scope + ":" + subject
	raw, err := adminRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, 0, fmt.Errorf("rate limit script returned %T, want [count, ttl]", raw)
	}
	current, ok := reply[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("rate limit count is %T, want int64", reply[0])
	}
	ttlMs, ok := reply[1].(int64)
	if !ok {
		return int(current), 0, fmt.Errorf("rate limit ttl is %T, want int64", reply[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(current), retryAfter, nil
}
