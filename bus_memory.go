package taskpipe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Bus = (*MemoryBus)(nil)

// MemoryBus is an in-process Bus. It keeps every topic log in memory and
// tracks a cursor and pending entries per consumer group, mirroring the
// semantics of Redis Streams.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
	lastMs  int64
	seq     int64
	closed  bool
	now     func() time.Time
}

type memoryStream struct {
	entries []memoryEntry
	groups  map[string]*memoryGroup
	notify  chan struct{}
}

type memoryEntry struct {
	id   string
	body []byte
}

type memoryGroup struct {
	next    int
	pending map[string]*memoryPending
	order   []string
}

type memoryPending struct {
	entry       memoryEntry
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// PendingInfo describes an unacknowledged message.
type PendingInfo struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams: map[string]*memoryStream{},
		now:     time.Now,
	}
}

func (b *MemoryBus) stream(topic string) *memoryStream {
	s, ok := b.streams[topic]
	if !ok {
		s = &memoryStream{
			groups: map[string]*memoryGroup{},
			notify: make(chan struct{}),
		}
		b.streams[topic] = s
	}
	return s
}

func (b *MemoryBus) nextID() string {
	ms := b.now().UnixMilli()
	if ms <= b.lastMs {
		ms = b.lastMs
		b.seq++
	} else {
		b.lastMs = ms
		b.seq = 0
	}
	return fmt.Sprintf("%d-%d", ms, b.seq)
}

// Publish appends body to the topic and wakes blocked consumers.
func (b *MemoryBus) Publish(ctx context.Context, topic string, body []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusClosed
	}
	s := b.stream(topic)
	entry := memoryEntry{id: b.nextID(), body: append([]byte(nil), body...)}
	s.entries = append(s.entries, entry)
	close(s.notify)
	s.notify = make(chan struct{})
	return entry.id, nil
}

// CreateGroup creates a group positioned at the start of the topic.
func (b *MemoryBus) CreateGroup(ctx context.Context, topic, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	s := b.stream(topic)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{pending: map[string]*memoryPending{}}
	}
	return nil
}

// Consume claims new messages for the group, blocking up to block when none
// are available.
func (b *MemoryBus) Consume(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBusClosed
		}
		s := b.stream(topic)
		g, ok := s.groups[group]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
		}
		var msgs []Message
		now := b.now()
		for g.next < len(s.entries) && len(msgs) < count {
			entry := s.entries[g.next]
			g.next++
			g.pending[entry.id] = &memoryPending{
				entry:       entry,
				consumer:    consumer,
				deliveredAt: now,
				deliveries:  1,
			}
			g.order = append(g.order, entry.id)
			msgs = append(msgs, Message{
				ID:         entry.id,
				Topic:      topic,
				Body:       append([]byte(nil), entry.body...),
				Deliveries: 1,
			})
		}
		wait := s.notify
		b.mu.Unlock()

		if len(msgs) > 0 || timeout == nil {
			return msgs, nil
		}
		select {
		case <-wait:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack removes messages from the group's pending entries.
func (b *MemoryBus) Ack(ctx context.Context, topic, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	s := b.stream(topic)
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	g.compact()
	return nil
}

// Reclaim transfers idle pending messages to consumer, oldest first.
func (b *MemoryBus) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := b.stream(topic)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
	}
	if count <= 0 {
		count = 1
	}
	now := b.now()
	var msgs []Message
	for _, id := range g.order {
		if len(msgs) >= count {
			break
		}
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		msgs = append(msgs, Message{
			ID:         id,
			Topic:      topic,
			Body:       append([]byte(nil), p.entry.body...),
			Deliveries: p.deliveries,
		})
	}
	return msgs, nil
}

// Pending lists the group's unacknowledged messages in delivery order.
func (b *MemoryBus) Pending(topic, group string) []PendingInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[topic]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	now := b.now()
	var out []PendingInfo
	for _, id := range g.order {
		p, ok := g.pending[id]
		if !ok {
			continue
		}
		out = append(out, PendingInfo{
			ID:         id,
			Consumer:   p.consumer,
			Idle:       now.Sub(p.deliveredAt),
			Deliveries: p.deliveries,
		})
	}
	return out
}

// Len returns the number of entries appended to the topic.
func (b *MemoryBus) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[topic]; ok {
		return len(s.entries)
	}
	return 0
}

// Close wakes blocked consumers and rejects further calls.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.streams {
		close(s.notify)
	}
	return nil
}

func (g *memoryGroup) compact() {
	if len(g.order) < 64 || len(g.order) < 2*len(g.pending) {
		return
	}
	order := make([]string, 0, len(g.pending))
	for _, id := range g.order {
		if _, ok := g.pending[id]; ok {
			order = append(order, id)
		}
	}
	g.order = order
}
