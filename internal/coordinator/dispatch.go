package coordinator

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/mission"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StartMission records m if it is new and dispatches every task whose
// dependencies are satisfied. Receiving the same mission again never creates
// a second record; it only re-derives dispatch, which claims nothing unless
// an earlier delivery crashed between the insert and the claim.
func (c *Coordinator) StartMission(ctx context.Context, m mission.Mission) error {
	if err := mission.Validate(&m); err != nil {
		return err
	}

	now := c.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	deadline := m.CreatedAt.Add(c.cfg.MissionTimeout)
	if m.Deadline != nil {
		deadline = *m.Deadline
	}

	created, err := c.store.Create(ctx, mission.NewState(m, deadline, now))
	if err != nil {
		return fmt.Errorf("create mission %s: %w", m.ID, err)
	}
	if created {
		c.metrics.MissionStarted()
		c.logger.Info("mission accepted",
			zap.String("mission", m.ID),
			zap.String("intention", m.IntentionID),
			zap.Int("tasks", len(m.Tasks)),
			zap.Time("deadline", deadline))
	} else {
		c.metrics.Duplicate("mission")
		c.logger.Debug("mission already recorded", zap.String("mission", m.ID))
	}

	st, ch, err := c.mutate(ctx, m.ID, func(st *mission.State) (change, error) {
		if st.Status.Terminal() {
			return change{}, nil
		}
		ids := c.claimEligible(st, c.now())
		return change{write: len(ids) > 0, dispatch: ids}, nil
	})
	if err != nil {
		return err
	}
	return c.publishTasks(ctx, st, ch.dispatch)
}

// publishTasks sends one task message per claimed id. The claim is already
// durable, so a failed publish is repaired by the sweep re-dispatching it.
func (c *Coordinator) publishTasks(ctx context.Context, st *mission.State, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		spec, ok := st.Mission.Task(id)
		if !ok {
			continue
		}
		rec := st.Records[id]
		msg := mission.TaskMessage{
			MissionID:  st.Mission.ID,
			TaskID:     id,
			Capability: spec.Capability,
			Parameters: spec.Parameters,
			Attempt:    rec.AttemptCount,
			Deadline:   st.Deadline,
		}
		g.Go(func() error {
			if err := c.pub.Publish(gctx, bus.TaskTopic(msg.Capability), msg); err != nil {
				return fmt.Errorf("dispatch %s/%s: %w", msg.MissionID, msg.TaskID, err)
			}
			c.metrics.TaskDispatched(msg.Capability)
			c.logger.Info("task dispatched",
				zap.String("mission", msg.MissionID),
				zap.String("task", msg.TaskID),
				zap.String("capability", msg.Capability),
				zap.Int("attempt", msg.Attempt))
			return nil
		})
	}
	return g.Wait()
}
