// Package redisbus implements taskpipe.Bus on Redis Streams. Each topic is a
// stream, messages carry the serialized payload in a single field, and
// consumer groups provide per-group exclusive, at-least-once delivery.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/redis/go-redis/v9"
)

// PayloadField is the stream entry field holding the message body
const PayloadField = "payload"

var _ taskpipe.Bus = (*Bus)(nil)

// Options configures a Redis bus
type Options struct {
	Addr     string
	Password string
	DB       int

	// MaxLen approximately caps each stream's length. Zero keeps every entry.
	MaxLen int64
}

// Bus is a taskpipe.Bus backed by Redis Streams
type Bus struct {
	client *redis.Client
	maxLen int64
	owned  bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &Bus{client: client, maxLen: opts.MaxLen, owned: true}, nil
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func (b *Bus) Publish(ctx context.Context, topic string, body []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{PayloadField: string(body)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

func (b *Bus) CreateGroup(ctx context.Context, topic, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (b *Bus) Consume(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]taskpipe.Message, error) {
	if count <= 0 {
		count = 1
	}
	// A negative block omits the BLOCK argument; zero would block forever
	if block <= 0 {
		block = -1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if isNoGroup(err) {
			return nil, fmt.Errorf("%w: %s/%s", taskpipe.ErrNoGroup, topic, group)
		}
		return nil, fmt.Errorf("failed to read from %s: %w", topic, err)
	}
	var msgs []taskpipe.Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msgs = append(msgs, toMessage(stream.Stream, entry, 1))
		}
	}
	return msgs, nil
}

func (b *Bus) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, topic, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack on %s: %w", topic, err)
	}
	return nil
}

// Reclaim lists the group's oldest pending entries idle for at least minIdle
// and claims them. XCLAIM re-checks the idle time, so entries picked up by a
// concurrent reclaimer are not taken twice.
func (b *Bus) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]taskpipe.Message, error) {
	if count <= 0 {
		count = 1
	}
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, fmt.Errorf("%w: %s/%s", taskpipe.ErrNoGroup, topic, group)
		}
		return nil, fmt.Errorf("failed to list pending on %s: %w", topic, err)
	}

	deliveries := map[string]int{}
	var ids []string
	for _, p := range pending {
		if len(ids) >= count {
			break
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = int(p.RetryCount) + 1
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim on %s: %w", topic, err)
	}

	var msgs []taskpipe.Message
	var deleted []string
	for _, entry := range claimed {
		if entry.Values == nil {
			// The entry was trimmed from the stream while pending
			deleted = append(deleted, entry.ID)
			continue
		}
		msgs = append(msgs, toMessage(topic, entry, deliveries[entry.ID]))
	}
	if len(deleted) > 0 {
		if err := b.Ack(ctx, topic, group, deleted...); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// Client returns the underlying Redis client
func (b *Bus) Client() *redis.Client {
	return b.client
}

func (b *Bus) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

func toMessage(topic string, entry redis.XMessage, deliveries int) taskpipe.Message {
	var body []byte
	switch v := entry.Values[PayloadField].(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	}
	return taskpipe.Message{
		ID:         entry.ID,
		Topic:      topic,
		Body:       body,
		Deliveries: deliveries,
	}
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "NOGROUP")
}
