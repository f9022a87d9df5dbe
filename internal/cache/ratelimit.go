package cache

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/auth"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// slidingWindowScript trims the window, counts, and conditionally admits in
// one atomic round trip. KEYS[1] = zset, ARGV = now_ms, window_ms, limit,
// member. Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, now - window)
local count = redis.call("ZCARD", KEYS[1])
if count < limit then
	redis.call("ZADD", KEYS[1], now, ARGV[4])
	redis.call("PEXPIRE", KEYS[1], window)
	return {1, count + 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local oldestScore = 0
if oldest[2] then oldestScore = tonumber(oldest[2]) end
return {0, count, oldestScore}
`)

// Allow checks a sliding-window limit for key. Backend failure fails open.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := c.now()
	// Member must be unique per request; the score carries the time.
	member := uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, c.rdb,
		[]string{c.Key("ratelimit", key)},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil || len(res) != 3 {
		c.log.Warn("rate limiter backend failed, allowing request",
			slog.String("key", key), logger.Error(err))
		return Decision{Allowed: true, Remaining: limit}, nil
	}

	if res[0] == 1 {
		return Decision{Allowed: true, Remaining: limit - int(res[1])}, nil
	}

	retryAfter := window
	if res[2] > 0 {
		elapsed := now.UnixMilli() - res[2]
		if rem := window.Milliseconds() - elapsed; rem > 0 {
			retryAfter = time.Duration(rem) * time.Millisecond
		}
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

// KeyFunc derives the rate limit bucket for a request.
type KeyFunc func(c echo.Context) string

// KeyByUser buckets by authenticated user, falling back to client IP.
func KeyByUser(c echo.Context) string {
	if user := auth.GetUser(c); user != nil {
		return "user:" + user.ID
	}
	return "ip:" + c.RealIP()
}

// RateLimit returns echo middleware enforcing a sliding-window limit.
func (c *Client) RateLimit(limit int, window time.Duration, keyFn KeyFunc) echo.MiddlewareFunc {
	if keyFn == nil {
		keyFn = KeyByUser
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			decision, err := c.Allow(ec.Request().Context(), keyFn(ec), limit, window)
			if err != nil {
				return next(ec)
			}
			if !decision.Allowed {
				seconds := int(decision.RetryAfter.Round(time.Second).Seconds())
				if seconds < 1 {
					seconds = 1
				}
				ec.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
				return apperror.ErrRateLimited
			}
			return next(ec)
		}
	}
}
