package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "nuka:bus:"

// RedisOptions tunes the stream consumer.
type RedisOptions struct {
	// MaxLen caps each stream (approximate trimming). Zero keeps everything.
	MaxLen int64
	// Block is how long one XREADGROUP call waits for new entries.
	Block time.Duration
	// ClaimIdle is how long an unacknowledged entry sits before another
	// consumer of the group reclaims it.
	ClaimIdle time.Duration
	// Batch is the number of entries fetched per read.
	Batch int64
}

func (o *RedisOptions) withDefaults() RedisOptions {
	out := *o
	if out.Block <= 0 {
		out.Block = 2 * time.Second
	}
	if out.ClaimIdle <= 0 {
		out.ClaimIdle = 30 * time.Second
	}
	if out.Batch <= 0 {
		out.Batch = 10
	}
	return out
}

// RedisBus implements Bus on Redis Streams consumer groups.
type RedisBus struct {
	rdb      *redis.Client
	opts     RedisOptions
	consumer string
	logger   *zap.Logger
}

// ConnectRedis parses a redis:// URL and verifies the server answers.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisBus creates a Redis-backed bus on an existing client.
func NewRedisBus(rdb *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		rdb:      rdb,
		opts:     opts.withDefaults(),
		consumer: "c-" + uuid.NewString()[:8],
		logger:   logger,
	}
}

// Publish appends a message to the topic's stream.
func (b *RedisBus) Publish(ctx context.Context, topic string, v any) error {
	env, err := newEnvelope(topic, v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	stream := streamPrefix + topic
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}
	if _, err := b.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published message",
		zap.String("topic", topic),
		zap.String("id", env.ID))
	return nil
}

// Subscribe joins group on topic and runs h for every entry until ctx ends.
// Entries whose handler failed stay pending and are reclaimed after
// ClaimIdle, by this or another consumer.
func (b *RedisBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	stream := streamPrefix + topic
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}

	b.logger.Info("subscribed",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("consumer", b.consumer))

	lastClaim := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastClaim) >= b.opts.ClaimIdle/2 {
			b.reclaim(ctx, stream, group, h)
			lastClaim = time.Now()
		}

		results, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    b.opts.Batch,
			Block:    b.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				b.logger.Warn("stream read failed", zap.String("stream", stream), zap.Error(err))
				t := time.NewTimer(time.Second)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
			continue
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				b.handle(ctx, stream, group, msg, 1, h)
			}
		}
	}
}

// reclaim takes over entries left pending by failed handlers or dead consumers.
func (b *RedisBus) reclaim(ctx context.Context, stream, group string, h Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: b.consumer,
			MinIdle:  b.opts.ClaimIdle,
			Start:    start,
			Count:    b.opts.Batch,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				b.logger.Warn("reclaim failed", zap.String("stream", stream), zap.Error(err))
			}
			return
		}
		counts := b.deliveryCounts(ctx, stream, group, msgs)
		for _, msg := range msgs {
			attempt, ok := counts[msg.ID]
			if !ok {
				attempt = 2
			}
			b.handle(ctx, stream, group, msg, attempt, h)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// deliveryCounts reads how often each reclaimed entry has been delivered to
// the group. Entries missing from the answer are left out.
func (b *RedisBus) deliveryCounts(ctx context.Context, stream, group string, msgs []redis.XMessage) map[string]int {
	counts := make(map[string]int, len(msgs))
	if len(msgs) == 0 {
		return counts
	}
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		b.logger.Debug("pending lookup failed", zap.String("stream", stream), zap.Error(err))
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = int(p.RetryCount)
	}
	return counts
}

func (b *RedisBus) handle(ctx context.Context, stream, group string, msg redis.XMessage, attempt int, h Handler) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		b.ack(ctx, stream, group, msg.ID)
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn("dropping undecodable entry",
			zap.String("stream", stream), zap.String("entry", msg.ID), zap.Error(err))
		b.ack(ctx, stream, group, msg.ID)
		return
	}

	if err := h(ctx, &Delivery{Envelope: env, Attempt: attempt}); err != nil {
		b.logger.Warn("handler failed, leaving entry pending",
			zap.String("topic", env.Topic),
			zap.String("id", env.ID),
			zap.Error(err))
		return
	}
	b.ack(ctx, stream, group, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, stream, group, id string) {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		b.logger.Warn("ack failed", zap.String("stream", stream), zap.String("entry", id), zap.Error(err))
	}
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
