package resilience

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nova-social/backend/internal/errkind"
)

// RateLimiter enforces a sliding-window cap on a keyed operation — e.g.
// how often one user may trigger a manual feed refresh — distinct from
// Shedder's global inflight cap. Backed by a Lua script so the
// check-and-record is atomic across replicas sharing one Redis instance.
type RateLimiter struct {
	client     *redis.Client
	maxTokens  int
	windowSize int64
}

func NewRateLimiter(client *redis.Client, maxTokens int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:     client,
		maxTokens:  maxTokens,
		windowSize: int64(window.Seconds()),
	}
}

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local max_tokens = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, 0, window - 1)
	local count = redis.call('ZCARD', key)
	if count >= max_tokens then
		return 0
	end

	redis.call('ZADD', key, now, now .. '-' .. math.random())
	redis.call('EXPIRE', key, 86400)
	return 1
`)

// Allow reports whether key is still within its window's token budget,
// recording the attempt if so. Returns errkind.Unavailable if Redis
// cannot be reached; callers typically fail open on that error.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().Unix()
	window := now - rl.windowSize + 1

	result, err := slidingWindowScript.Run(ctx, rl.client, []string{key}, window, rl.maxTokens, now).Result()
	if err != nil {
		return false, errkind.Wrap(errkind.Unavailable, "evaluate rate limit", err)
	}
	return result.(int64) == 1, nil
}
