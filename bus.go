package taskpipe

import (
	"context"
	"time"
)

// Message is a single entry read from a topic by a consumer group.
type Message struct {
	ID    string
	Topic string
	Body  []byte

	// Deliveries counts how many times the message has been handed to a
	// consumer of the group, including this one.
	Deliveries int
}

// Bus is an append-only, per-topic log with consumer group semantics.
// Delivery is at-least-once per group: a message stays pending until it is
// acknowledged and can be reclaimed by another consumer after it has been
// idle for a while.
type Bus interface {
	// Publish appends body to the topic and returns its ID. IDs are unique
	// and increase in append order.
	Publish(ctx context.Context, topic string, body []byte) (string, error)

	// CreateGroup creates a consumer group reading the topic from its
	// origin. It does nothing if the group already exists.
	CreateGroup(ctx context.Context, topic, group string) error

	// Consume claims up to count messages not yet delivered to the group,
	// waiting up to block for new ones. It returns an empty slice when the
	// wait times out.
	Consume(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Message, error)

	// Ack marks messages as processed for the group.
	Ack(ctx context.Context, topic, group string, ids ...string) error

	// Reclaim transfers up to count pending messages that have been idle
	// for at least minIdle to consumer and returns them.
	Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]Message, error)

	// Close releases the bus connection.
	Close() error
}

// PublishPayload encodes and publishes a payload.
func PublishPayload(ctx context.Context, bus Bus, topic string, p Payload) (string, error) {
	body, err := p.Encode()
	if err != nil {
		return "", err
	}
	return bus.Publish(ctx, topic, body)
}
