package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Redis: config.RedisConfig{KeyPrefix: "opennotes"},
		EventBus: config.EventBusConfig{
			MaxDeliver:      3,
			BlockTimeoutMs:  50,
			StreamMaxLen:    1000,
			ClaimIntervalMs: 50,
			ClaimMinIdleMs:  0,
		},
	}
	c := cache.NewClientForTest(mr.Addr(), cfg, slog.Default())
	b := New(c, cfg, slog.Default())
	t.Cleanup(func() {
		b.Close()
		_ = c.Close()
	})
	return b, mr
}

// readOne claims the next message for a group without blocking.
func readOne(t *testing.T, b *Bus, group, consumer, stream string) (redis.XMessage, bool) {
	t.Helper()
	res, err := b.rdb.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) || len(res) == 0 || len(res[0].Messages) == 0 {
		return redis.XMessage{}, false
	}
	require.NoError(t, err)
	return res[0].Messages[0], true
}

func TestPublishAssignsEnvelope(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	event, err := NewEvent(EventJobStatusChanged, map[string]string{"job_id": "j1", "status": "IN_PROGRESS"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event))

	msgs, err := b.rdb.XRange(ctx, b.streamKey(EventJobStatusChanged), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var stored Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["event"].(string)), &stored))
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, EventJobStatusChanged, stored.Type)
	assert.False(t, stored.OccurredAt.IsZero())

	var payload map[string]string
	require.NoError(t, stored.Decode(&payload))
	assert.Equal(t, "j1", payload["job_id"])
}

func TestPublishRequiresType(t *testing.T) {
	b, _ := newTestBus(t)
	assert.Error(t, b.Publish(context.Background(), Event{}))
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	require.NoError(t, b.Subscribe(ctx, SubscriberConfig{
		Group:    "workers",
		Consumer: "c1",
		Subjects: []string{EventBulkScanInitiated},
		Handler: func(_ context.Context, e Event) error {
			got.Store(e)
			return nil
		},
	}))

	event, err := NewEvent(EventBulkScanInitiated, map[string]string{"scan_id": "s1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event))

	require.Eventually(t, func() bool {
		e, ok := got.Load().(Event)
		return ok && e.Type == EventBulkScanInitiated
	}, 3*time.Second, 20*time.Millisecond)

	// Acked: nothing stays pending.
	require.Eventually(t, func() bool {
		p, err := b.rdb.XPending(ctx, b.streamKey(EventBulkScanInitiated), "workers").Result()
		return err == nil && p.Count == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandlerErrorLeavesPending(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sc := SubscriberConfig{
		Group:      "workers",
		Consumer:   "c1",
		Subjects:   []string{EventBulkScanMessageBatch},
		MaxDeliver: 3,
		Handler: func(context.Context, Event) error {
			return errors.New("boom")
		},
	}
	require.NoError(t, b.ensureGroup(ctx, sc))

	event, err := NewEvent(EventBulkScanMessageBatch, map[string]int{"batch_index": 0})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event))

	stream := b.streamKey(EventBulkScanMessageBatch)
	msg, ok := readOne(t, b, sc.Group, sc.Consumer, stream)
	require.True(t, ok)
	b.deliver(ctx, sc, stream, msg)

	p, err := b.rdb.XPending(ctx, stream, sc.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Count, "failed handling must not ack")
}

func TestSweepRedeliversThenDeadLetters(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	var attempts atomic.Int32
	sc := SubscriberConfig{
		Group:      "workers",
		Consumer:   "c1",
		Subjects:   []string{EventBulkScanMessageBatch},
		MaxDeliver: 2,
		Handler: func(context.Context, Event) error {
			attempts.Add(1)
			return errors.New("still failing")
		},
	}
	require.NoError(t, b.ensureGroup(ctx, sc))

	event, err := NewEvent(EventBulkScanMessageBatch, map[string]int{"batch_index": 1})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event))

	stream := b.streamKey(EventBulkScanMessageBatch)
	msg, ok := readOne(t, b, sc.Group, sc.Consumer, stream)
	require.True(t, ok)

	// First delivery fails.
	b.deliver(ctx, sc, stream, msg)
	require.Equal(t, int32(1), attempts.Load())

	// Sweep reclaims and retries; the claim bumps the delivery count to 2.
	b.sweepSubject(ctx, sc, EventBulkScanMessageBatch)
	require.Equal(t, int32(2), attempts.Load())

	// Next sweep sees the budget spent and dead-letters without retrying.
	b.sweepSubject(ctx, sc, EventBulkScanMessageBatch)
	assert.Equal(t, int32(2), attempts.Load(), "dead-lettered events are not retried")

	dlq, err := b.rdb.XRange(ctx, b.dlqKey(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, stream, dlq[0].Values["source_stream"])
	assert.Contains(t, dlq[0].Values["reason"], "delivery count")

	p, err := b.rdb.XPending(ctx, stream, sc.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count, "dead-lettered entry is acked on the source")
}

func TestGroupMetaMismatchRecreates(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	handler := func(context.Context, Event) error { return nil }
	first := SubscriberConfig{
		Group: "workers", Consumer: "c1",
		Subjects: []string{EventBulkScanInitiated},
		Handler:  handler,
	}
	require.NoError(t, b.ensureGroup(ctx, first))

	// Publish and claim one message so the group has state worth discarding.
	event, err := NewEvent(EventBulkScanInitiated, nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event))
	_, ok := readOne(t, b, "workers", "c1", b.streamKey(EventBulkScanInitiated))
	require.True(t, ok)

	second := SubscriberConfig{
		Group: "workers", Consumer: "c1",
		Subjects: []string{EventBulkScanInitiated, EventBulkScanCompleted},
		Handler:  handler,
	}
	require.NoError(t, b.ensureGroup(ctx, second))

	meta, err := b.rdb.HGetAll(ctx, b.groupMetaKey("workers")).Result()
	require.NoError(t, err)
	assert.Equal(t, EventBulkScanInitiated+","+EventBulkScanCompleted, meta["subjects"])

	// Old pending state was discarded with the group.
	p, err := b.rdb.XPending(ctx, b.streamKey(EventBulkScanInitiated), "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count)
}

func TestHealthy(t *testing.T) {
	b, mr := newTestBus(t)
	assert.True(t, b.Healthy(context.Background()))

	mr.Close()
	assert.False(t, b.Healthy(context.Background()))
}
