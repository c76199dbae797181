package planner

import (
	"context"
	"errors"

	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/mission"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsumerGroup is the bus group shared by planner replicas.
const ConsumerGroup = "planner"

// Run consumes the intention and mission_result topics until ctx is cancelled.
func (p *Planner) Run(ctx context.Context, b bus.Bus) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Subscribe(gctx, bus.TopicIntention, ConsumerGroup, p.HandleIntentionDelivery)
	})
	g.Go(func() error {
		return b.Subscribe(gctx, bus.TopicMissionResult, ConsumerGroup, p.HandleResultDelivery)
	})
	return g.Wait()
}

func (p *Planner) HandleIntentionDelivery(ctx context.Context, d *bus.Delivery) error {
	var in mission.Intention
	if err := d.Decode(&in); err != nil {
		p.logger.Warn("dropping undecodable intention", zap.String("id", d.ID), zap.Error(err))
		return nil
	}
	_, err := p.HandleIntention(ctx, &in)
	return p.settle(d, err)
}

func (p *Planner) HandleResultDelivery(ctx context.Context, d *bus.Delivery) error {
	var r mission.MissionResult
	if err := d.Decode(&r); err != nil {
		p.logger.Warn("dropping undecodable mission result", zap.String("id", d.ID), zap.Error(err))
		return nil
	}
	_, err := p.HandleMissionResult(ctx, &r)
	return p.settle(d, err)
}

func (p *Planner) settle(d *bus.Delivery, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateResult):
		p.metrics.Duplicate("mission_result")
		p.logger.Debug("duplicate discarded", zap.String("topic", d.Topic), zap.Error(err))
		return nil
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrInvalidIntention), errors.Is(err, mission.ErrInvalidMission):
		p.logger.Warn("rejected message", zap.String("topic", d.Topic), zap.String("id", d.ID), zap.Error(err))
		return nil
	default:
		p.logger.Warn("message will be redelivered",
			zap.String("topic", d.Topic),
			zap.String("id", d.ID),
			zap.Int("attempt", d.Attempt),
			zap.Error(err))
		return err
	}
}
