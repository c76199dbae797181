// Package bus is the at-least-once, topic-based transport between agents.
// Handlers must be idempotent: a message is redelivered until its handler
// returns nil, and independent publishers are never ordered.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Logical topics. Task messages are routed per capability, see TaskTopic.
const (
	TopicIntention       = "intention"
	TopicMission         = "mission"
	TopicTaskResult      = "task_result"
	TopicMissionResult   = "mission_result"
	TopicIntentionResult = "intention_result"

	taskTopicPrefix = "task."
)

// TaskTopic returns the topic executors of capability subscribe to.
func TaskTopic(capability string) string {
	return taskTopicPrefix + capability
}

// Envelope is the wire frame around every payload.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Delivery is one (possibly repeated) delivery of an envelope.
type Delivery struct {
	Envelope
	// Attempt counts deliveries of this envelope to the consumer group, from 1.
	Attempt int
}

// Decode unmarshals the payload into v.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", d.Topic, err)
	}
	return nil
}

// Handler processes a delivery. A nil return acknowledges it; any error
// leaves it pending for redelivery.
type Handler func(ctx context.Context, d *Delivery) error

// Publisher is the send side of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// Bus is a durable publish/subscribe transport.
type Bus interface {
	Publisher
	// Subscribe consumes topic as a member of group until ctx is cancelled.
	// Members of one group share the work; each group sees every message.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

func newEnvelope(topic string, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return &Envelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}, nil
}
