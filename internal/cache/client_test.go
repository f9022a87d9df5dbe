package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/internal/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Redis: config.RedisConfig{
			KeyPrefix:  "opennotes",
			SessionTTL: time.Hour,
			LockTTL:    10 * time.Minute,
		},
		Auth: config.AuthConfig{MaxTokenAgeSeconds: 80000},
	}
	c := NewClientForTest(mr.Addr(), cfg, slog.Default())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestKeyPrefix(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, "opennotes:lock:rechunk:fact-checks", c.Key("lock", "rechunk:fact-checks"))
}

func TestGetSetJSON(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var missing payload
	ok, err := c.GetJSON(ctx, c.Key("test", "absent"), &missing)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetJSON(ctx, c.Key("test", "v"), payload{Name: "scan", Count: 3}, time.Minute))

	var got payload
	ok, err = c.GetJSON(ctx, c.Key("test", "v"), &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload{Name: "scan", Count: 3}, got)
}

func TestGetExpired(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, c.Key("t"), []byte("x"), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, c.Key("t"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptJSONIsAMiss(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Set(c.Key("bad"), "{not json")

	var dst map[string]any
	ok, err := c.GetJSON(context.Background(), c.Key("bad"), &dst)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeysScan(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, c.Key("scan", k), []byte("1"), 0))
	}
	require.NoError(t, c.Set(ctx, c.Key("other", "z"), []byte("1"), 0))

	keys, err := c.Keys(ctx, c.Key("scan", "*"))
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestMGet(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, c.Key("m", "1"), []byte("one"), 0))
	require.NoError(t, c.Set(ctx, c.Key("m", "3"), []byte("three"), 0))

	vals, err := c.MGet(ctx, c.Key("m", "1"), c.Key("m", "2"), c.Key("m", "3"))
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, []byte("one"), vals[0])
	assert.Nil(t, vals[1])
	assert.Equal(t, []byte("three"), vals[2])
}

func TestHIncrBy(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	key := c.Key("jobprogress", "j1")

	n, err := c.HIncrBy(ctx, key, "processed", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = c.HIncrBy(ctx, key, "processed", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	fields, err := c.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "8", fields["processed"])
}

func TestPubSubForwarding(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, "events")
	require.NoError(t, err)

	// miniredis delivers synchronously once the subscriber is registered.
	require.Eventually(t, func() bool {
		if err := c.Publish(ctx, "events", []byte("hello")); err != nil {
			return false
		}
		select {
		case msg := <-ch:
			return string(msg.Payload) == "hello" && msg.Channel == "events"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
