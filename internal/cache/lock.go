package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Lock is a held distributed lock. Release and extend compare the token so a
// lock that expired and was re-acquired elsewhere cannot be stolen back.
type Lock struct {
	Key   string
	Token string
	TTL   time.Duration

	noBackend bool
}

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLock attempts SET key token NX PX. A backend failure grants a
// permissive no-backend lock so a Redis outage cannot freeze dispatch; the
// failure is logged loudly.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		ttl = c.cfg.Redis.LockTTL
	}
	key := c.Key("lock", name)
	token := uuid.NewString()

	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		c.log.Error("lock backend unreachable, granting permissive lock",
			slog.String("lock", name), logger.Error(err))
		return &Lock{Key: key, TTL: ttl, noBackend: true}, true, nil
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

// LockHolder returns the current token holding a named lock, if any.
func (c *Client) LockHolder(ctx context.Context, name string) (string, bool, error) {
	raw, ok, err := c.Get(ctx, c.Key("lock", name))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// ReleaseLock releases if still owned. Returns (true, nil) when the lock was
// held and released, (false, nil) when it had expired or belongs to another
// holder. Releasing a no-backend lock is a no-op.
func (c *Client) ReleaseLock(ctx context.Context, lock *Lock) (bool, error) {
	if lock == nil || lock.noBackend {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{lock.Key}, lock.Token).Int()
	if err != nil {
		c.log.Warn("lock release failed", slog.String("key", lock.Key), logger.Error(err))
		return false, err
	}
	return n == 1, nil
}

// ExtendLock refreshes the TTL if still owned.
func (c *Client) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	if lock == nil || lock.noBackend {
		return false, nil
	}
	n, err := extendScript.Run(ctx, c.rdb, []string{lock.Key}, lock.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	if n == 1 {
		lock.TTL = ttl
	}
	return n == 1, nil
}
