package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryBus is an in-process Bus for single-binary deployments and tests.
// It keeps the full log per topic; each group walks it with its own cursor
// and retries a failing entry until the handler accepts it.
type MemoryBus struct {
	mu             sync.Mutex
	cond           *sync.Cond
	topics         map[string][]Envelope
	cursors        map[string]int // topic|group -> next index
	redeliverAfter time.Duration
	closed         bool
	logger         *zap.Logger
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(redeliverAfter time.Duration, logger *zap.Logger) *MemoryBus {
	if redeliverAfter <= 0 {
		redeliverAfter = 100 * time.Millisecond
	}
	b := &MemoryBus{
		topics:         make(map[string][]Envelope),
		cursors:        make(map[string]int),
		redeliverAfter: redeliverAfter,
		logger:         logger,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends to the topic log and wakes subscribers.
func (b *MemoryBus) Publish(_ context.Context, topic string, v any) error {
	env, err := newEnvelope(topic, v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], *env)
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

// Messages returns a copy of everything published on topic.
func (b *MemoryBus) Messages(topic string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.topics[topic]))
	copy(out, b.topics[topic])
	return out
}

// Subscribe consumes topic for group until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	key := topic + "|" + group

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	defer stop()

	for {
		b.mu.Lock()
		for !b.closed && ctx.Err() == nil && b.cursors[key] >= len(b.topics[topic]) {
			b.cond.Wait()
		}
		if b.closed || ctx.Err() != nil {
			b.mu.Unlock()
			return nil
		}
		idx := b.cursors[key]
		env := b.topics[topic][idx]
		b.cursors[key] = idx + 1
		b.mu.Unlock()

		for attempt := 1; ; attempt++ {
			err := h(ctx, &Delivery{Envelope: env, Attempt: attempt})
			if err == nil {
				break
			}
			b.logger.Warn("handler failed, redelivering",
				zap.String("topic", topic),
				zap.String("id", env.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.redeliverAfter):
			}
		}
	}
}

// Close wakes and stops every subscriber.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}
