package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Module provides the event bus fx.Module
var Module = fx.Module("bus",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, b *Bus) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				b.Close()
				return nil
			},
		})
	}),
)

// Handler processes one delivered event. A nil return acknowledges the event;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, event Event) error

// SubscriberConfig describes a durable consumer.
type SubscriberConfig struct {
	Group    string
	Consumer string
	Subjects []string
	Handler  Handler

	// MaxDeliver bounds redelivery before dead-lettering; 0 uses the config
	// default.
	MaxDeliver int

	// BlockTimeout is the XREADGROUP block; 0 uses the config default.
	BlockTimeout time.Duration

	// SchemaVersion invalidates the group when the payload contract changes.
	SchemaVersion int
}

// Bus publishes and consumes events over Redis Streams.
type Bus struct {
	rdb redis.UniversalClient
	cfg *config.Config
	log *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	closed  bool

	lastConsumeErr atomic.Int64 // unix seconds of the most recent loop error
}

// New builds the bus on the shared cache connection.
func New(cacheClient *cache.Client, cfg *config.Config, log *slog.Logger) *Bus {
	return &Bus{
		rdb: cacheClient.Redis(),
		cfg: cfg,
		log: log.With(logger.Scope("bus")),
	}
}

func (b *Bus) streamKey(subject string) string {
	return b.cfg.Redis.KeyPrefix + ":events:" + subject
}

func (b *Bus) dlqKey() string {
	return b.cfg.Redis.KeyPrefix + ":events:dlq"
}

func (b *Bus) groupMetaKey(group string) string {
	return b.cfg.Redis.KeyPrefix + ":bus:groupmeta:" + group
}

// Publish adds an event to its type's stream. ID and OccurredAt are assigned
// when absent.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate event id: %w", err)
		}
		event.ID = id.String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(event.Type),
		MaxLen: b.cfg.EventBus.StreamMaxLen,
		Approx: true,
		Values: map[string]any{"event": string(raw), "type": event.Type},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	published.WithLabelValues(event.Type).Inc()
	return nil
}

// Subscribe registers a durable consumer and starts its delivery loop and
// pending-entry sweeper. It returns once the group exists.
func (b *Bus) Subscribe(ctx context.Context, sc SubscriberConfig) error {
	if sc.Group == "" || sc.Consumer == "" || len(sc.Subjects) == 0 || sc.Handler == nil {
		return errors.New("group, consumer, subjects and handler are required")
	}
	if sc.MaxDeliver <= 0 {
		sc.MaxDeliver = b.cfg.EventBus.MaxDeliver
	}
	if sc.BlockTimeout <= 0 {
		sc.BlockTimeout = b.cfg.EventBus.BlockTimeout()
	}

	if err := b.ensureGroup(ctx, sc); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus closed")
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)
	b.wg.Add(2)
	b.mu.Unlock()

	go b.consumeLoop(runCtx, sc)
	go b.sweepLoop(runCtx, sc)
	return nil
}

// ensureGroup creates the consumer group on every subject stream, recreating
// it when the recorded group meta no longer matches the requested config.
func (b *Bus) ensureGroup(ctx context.Context, sc SubscriberConfig) error {
	wantSubjects := strings.Join(sc.Subjects, ",")
	wantVersion := strconv.Itoa(sc.SchemaVersion)

	meta, err := b.rdb.HGetAll(ctx, b.groupMetaKey(sc.Group)).Result()
	if err != nil {
		return fmt.Errorf("read group meta: %w", err)
	}
	mismatch := len(meta) > 0 && (meta["subjects"] != wantSubjects || meta["version"] != wantVersion)
	if mismatch {
		b.log.Warn("consumer group config changed, recreating group",
			slog.String("group", sc.Group),
			slog.String("old_subjects", meta["subjects"]),
			slog.String("new_subjects", wantSubjects),
		)
		for _, old := range strings.Split(meta["subjects"], ",") {
			if old == "" {
				continue
			}
			if err := b.rdb.XGroupDestroy(ctx, b.streamKey(old), sc.Group).Err(); err != nil {
				b.log.Warn("group destroy failed", slog.String("subject", old), logger.Error(err))
			}
		}
	}

	for _, subject := range sc.Subjects {
		err := b.rdb.XGroupCreateMkStream(ctx, b.streamKey(subject), sc.Group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", sc.Group, subject, err)
		}
	}

	return b.rdb.HSet(ctx, b.groupMetaKey(sc.Group),
		"subjects", wantSubjects,
		"version", wantVersion,
	).Err()
}

func (b *Bus) consumeLoop(ctx context.Context, sc SubscriberConfig) {
	defer b.wg.Done()

	streams := make([]string, 0, len(sc.Subjects)*2)
	for _, s := range sc.Subjects {
		streams = append(streams, b.streamKey(s))
	}
	for range sc.Subjects {
		streams = append(streams, ">")
	}

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sc.Group,
			Consumer: sc.Consumer,
			Streams:  streams,
			Count:    16,
			Block:    sc.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				// Backends that return instead of blocking would spin hot
				// without a floor.
				select {
				case <-ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
				}
				continue
			}
			b.lastConsumeErr.Store(time.Now().Unix())
			// NOGROUP after a Redis restart: recreate and carry on.
			if strings.Contains(err.Error(), "NOGROUP") {
				if gerr := b.ensureGroup(ctx, sc); gerr != nil {
					b.log.Error("group recreate failed", slog.String("group", sc.Group), logger.Error(gerr))
				} else {
					b.log.Info("consumer group recreated", slog.String("group", sc.Group))
				}
				continue
			}
			b.log.Error("event read failed", slog.String("group", sc.Group), logger.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.deliver(ctx, sc, stream.Stream, msg)
			}
		}
	}
}

// deliver runs the handler for one message and acks on success.
func (b *Bus) deliver(ctx context.Context, sc SubscriberConfig, stream string, msg redis.XMessage) {
	event, err := decodeMessage(msg)
	if err != nil {
		// Undecodable entries can never succeed; dead-letter immediately.
		b.log.Error("dropping undecodable event", slog.String("stream", stream), logger.Error(err))
		b.deadLetter(ctx, sc, stream, msg, "undecodable: "+err.Error())
		return
	}

	consumed.WithLabelValues(event.Type, sc.Group).Inc()

	if err := sc.Handler(ctx, event); err != nil {
		b.log.Warn("event handler failed, leaving pending",
			slog.String("type", event.Type),
			slog.String("event_id", event.ID),
			slog.String("group", sc.Group),
			logger.Error(err),
		)
		return
	}

	if err := b.rdb.XAck(ctx, stream, sc.Group, msg.ID).Err(); err != nil {
		b.log.Warn("ack failed", slog.String("stream", stream), logger.Error(err))
		return
	}
	acked.WithLabelValues(event.Type, sc.Group).Inc()
}

// sweepLoop reclaims stale pending entries for redelivery and dead-letters
// entries past the delivery budget.
func (b *Bus) sweepLoop(ctx context.Context, sc SubscriberConfig) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.EventBus.ClaimInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, subject := range sc.Subjects {
				b.sweepSubject(ctx, sc, subject)
			}
		}
	}
}

func (b *Bus) sweepSubject(ctx context.Context, sc SubscriberConfig, subject string) {
	stream := b.streamKey(subject)
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  sc.Group,
		Idle:   b.cfg.EventBus.ClaimMinIdle(),
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			b.log.Warn("pending scan failed", slog.String("stream", stream), logger.Error(err))
		}
		return
	}

	for _, p := range pending {
		if int(p.RetryCount) >= sc.MaxDeliver {
			msgs, err := b.rdb.XRange(ctx, stream, p.ID, p.ID).Result()
			if err != nil || len(msgs) == 0 {
				// Entry trimmed from the stream; nothing left to move.
				_ = b.rdb.XAck(ctx, stream, sc.Group, p.ID).Err()
				continue
			}
			b.deadLetter(ctx, sc, stream, msgs[0],
				fmt.Sprintf("delivery count %d exceeded max %d", p.RetryCount, sc.MaxDeliver))
			continue
		}

		claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    sc.Group,
			Consumer: sc.Consumer,
			MinIdle:  b.cfg.EventBus.ClaimMinIdle(),
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			b.log.Warn("claim failed", slog.String("stream", stream), slog.String("id", p.ID), logger.Error(err))
			continue
		}
		for _, msg := range claimed {
			if event, derr := decodeMessage(msg); derr == nil {
				retried.WithLabelValues(event.Type, sc.Group).Inc()
			}
			b.deliver(ctx, sc, stream, msg)
		}
	}
}

// deadLetter copies a message to the DLQ stream with failure metadata and
// acks it on the source group.
func (b *Bus) deadLetter(ctx context.Context, sc SubscriberConfig, stream string, msg redis.XMessage, reason string) {
	values := map[string]any{
		"source_stream": stream,
		"source_id":     msg.ID,
		"group":         sc.Group,
		"reason":        reason,
		"failed_at":     time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range msg.Values {
		values[k] = v
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.dlqKey(),
		MaxLen: b.cfg.EventBus.StreamMaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		b.log.Error("dead-letter write failed", slog.String("source_id", msg.ID), logger.Error(err))
		return
	}
	_ = b.rdb.XAck(ctx, stream, sc.Group, msg.ID).Err()

	eventType := "unknown"
	if t, ok := msg.Values["type"].(string); ok {
		eventType = t
	}
	deadLettered.WithLabelValues(eventType, sc.Group).Inc()
	b.log.Error("event dead-lettered",
		slog.String("type", eventType),
		slog.String("source_id", msg.ID),
		slog.String("group", sc.Group),
		slog.String("reason", reason),
	)
}

// Healthy reports whether the backend is reachable and the consume loops are
// not persistently failing.
func (b *Bus) Healthy(ctx context.Context) bool {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return false
	}
	last := b.lastConsumeErr.Load()
	return last == 0 || time.Since(time.Unix(last, 0)) > 30*time.Second
}

// Close stops all subscribers and waits for their loops to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
}

func decodeMessage(msg redis.XMessage) (Event, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return Event{}, errors.New("message has no event field")
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return Event{}, err
	}
	return event, nil
}
