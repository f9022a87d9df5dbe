// Package cache is the Redis facade: key/value cache, distributed locks,
// sliding-window rate limiting, the session registry, and pub/sub.
//
// Read-side failures degrade to cache misses. Locks fail open (a Redis outage
// must not freeze job dispatch); the session revocation check is the one
// fail-closed path, handled by the auth middleware.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Module provides the cache fx.Module
var Module = fx.Module("cache",
	fx.Provide(NewClient),
)

// Client wraps a Redis connection with app-level helpers.
type Client struct {
	rdb redis.UniversalClient
	cfg *config.Config
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewClient connects to Redis and registers lifecycle hooks. A failed initial
// ping is logged but not fatal: every caller degrades per its own policy.
func NewClient(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		rdb: redis.NewClient(opts),
		cfg: cfg,
		log: log.With(logger.Scope("cache")),
		now: time.Now,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := c.rdb.Ping(pingCtx).Err(); err != nil {
				c.log.Error("redis unreachable at startup, operating degraded", logger.Error(err))
				return nil
			}
			c.log.Info("redis connected", slog.String("prefix", cfg.Redis.KeyPrefix))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return c.Close()
		},
	})

	return c, nil
}

// NewClientForTest wraps an existing Redis address (miniredis).
func NewClientForTest(addr string, cfg *config.Config, log *slog.Logger) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		cfg: cfg,
		log: log.With(logger.Scope("cache")),
		now: time.Now,
	}
}

// Key builds a namespaced key: {prefix}:{part}:{part}...
func (c *Client) Key(parts ...string) string {
	return c.cfg.Redis.KeyPrefix + ":" + strings.Join(parts, ":")
}

// Ping reports backend reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns the raw value at key. Backend errors degrade to a miss.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		c.log.Warn("cache get failed", slog.String("key", key), logger.Error(err))
		return nil, false, err
	}
	return val, true, nil
}

// GetJSON decodes the value at key into dst. Missing key returns (false, nil).
func (c *Client) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn("cache value is not valid JSON, treating as miss",
			slog.String("key", key), logger.Error(err))
		return false, nil
	}
	return true, nil
}

// Set stores a raw value with TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", slog.String("key", key), logger.Error(err))
		return err
	}
	return nil
}

// SetJSON marshals v and stores it with TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys returns keys matching pattern via SCAN. Never uses KEYS: SCAN bounds
// the per-call work on a busy instance.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// MGet returns values for keys; missing keys yield nil entries.
func (c *Client) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// HIncrBy atomically increments a hash field.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, delta).Result()
}

// HSet writes hash fields.
func (c *Client) HSet(ctx context.Context, key string, values ...any) error {
	return c.rdb.HSet(ctx, key, values...).Err()
}

// HGetAll returns all fields of a hash. Missing hash returns an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Publish sends a payload on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Message is a received pub/sub payload.
type Message struct {
	Channel string
	Payload []byte
}

// Subscribe forwards messages from the given channels until ctx is cancelled
// or the client is closed.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("cache client closed")
	}
	sub := c.rdb.Subscribe(ctx, channels...)
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		src := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					_ = sub.Close()
					return
				}
			}
		}
	}()
	return out, nil
}

// Redis exposes the underlying client for components that need raw commands
// (event bus streams).
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// Close stops all subscriptions and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return c.rdb.Close()
}
