package coordinator

import (
	"context"
	"errors"

	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/mission"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsumerGroup is the bus group shared by all coordinator replicas.
const ConsumerGroup = "coordinator"

// Run consumes the mission and task_result topics until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, b bus.Bus) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Subscribe(gctx, bus.TopicMission, ConsumerGroup, c.HandleMissionDelivery)
	})
	g.Go(func() error {
		return b.Subscribe(gctx, bus.TopicTaskResult, ConsumerGroup, c.HandleResultDelivery)
	})
	return g.Wait()
}

// HandleMissionDelivery is the bus handler for the mission topic.
func (c *Coordinator) HandleMissionDelivery(ctx context.Context, d *bus.Delivery) error {
	var m mission.Mission
	if err := d.Decode(&m); err != nil {
		c.logger.Warn("dropping undecodable mission", zap.String("id", d.ID), zap.Error(err))
		return nil
	}
	return c.settle(d, c.StartMission(ctx, m))
}

// HandleResultDelivery is the bus handler for the task_result topic.
func (c *Coordinator) HandleResultDelivery(ctx context.Context, d *bus.Delivery) error {
	var r mission.TaskResult
	if err := d.Decode(&r); err != nil {
		c.logger.Warn("dropping undecodable task result", zap.String("id", d.ID), zap.Error(err))
		return nil
	}
	return c.settle(d, c.HandleTaskResult(ctx, r))
}

// settle decides whether a processing error acknowledges the message.
// Permanent rejections and duplicates are acked; everything else stays
// pending so the bus redelivers it.
func (c *Coordinator) settle(d *bus.Delivery, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateDelivery):
		c.metrics.Duplicate("task_result")
		c.logger.Debug("duplicate discarded", zap.String("topic", d.Topic), zap.Error(err))
		return nil
	case errors.Is(err, mission.ErrInvalidMission), errors.Is(err, ErrInvalidResult):
		c.logger.Warn("rejected message", zap.String("topic", d.Topic), zap.String("id", d.ID), zap.Error(err))
		return nil
	default:
		c.logger.Warn("message will be redelivered",
			zap.String("topic", d.Topic),
			zap.String("id", d.ID),
			zap.Int("attempt", d.Attempt),
			zap.Error(err))
		return err
	}
}
