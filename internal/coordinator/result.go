package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/mission"
	"go.uber.org/zap"
)

func validateResult(r *mission.TaskResult) error {
	switch {
	case r.MissionID == "":
		return fmt.Errorf("%w: mission_id is required", ErrInvalidResult)
	case r.TaskID == "":
		return fmt.Errorf("%w: task_id is required", ErrInvalidResult)
	case !r.Outcome.Valid():
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidResult, r.Outcome)
	case r.DeliveryToken == "":
		return fmt.Errorf("%w: delivery_token is required", ErrInvalidResult)
	}
	return nil
}

// HandleTaskResult folds one executor report into the mission record.
//
// A result for a terminal mission or with an already applied delivery token
// returns ErrDuplicateDelivery and changes nothing. A result for a task that
// is not dispatched only has its token recorded. Otherwise the token, the
// task's terminal state, the failure cascade, newly eligible dispatches and,
// when every task is terminal, the mission status and result claim are all
// written in one conditional update. Only the writer of that update
// publishes.
func (c *Coordinator) HandleTaskResult(ctx context.Context, r mission.TaskResult) error {
	if err := validateResult(&r); err != nil {
		return err
	}

	st, ch, err := c.mutate(ctx, r.MissionID, func(st *mission.State) (change, error) {
		if st.Status.Terminal() {
			return change{}, fmt.Errorf("mission %s already %s: %w", st.Mission.ID, st.Status, ErrDuplicateDelivery)
		}
		rec, ok := st.Records[r.TaskID]
		if !ok {
			return change{}, fmt.Errorf("%w: mission %s has no task %q", ErrInvalidResult, r.MissionID, r.TaskID)
		}
		if rec.SeenToken(r.DeliveryToken) {
			return change{}, fmt.Errorf("task %s token %s: %w", mission.TaskKey(r.MissionID, r.TaskID), r.DeliveryToken, ErrDuplicateDelivery)
		}

		now := c.now()
		rec.DeliveryTokens = append(rec.DeliveryTokens, r.DeliveryToken)
		next := r.Outcome.TaskState()
		if rec.State != mission.TaskDispatched {
			// Already terminal, or never dispatched: keep the token so the
			// redelivery is recognised, leave the state alone.
			return change{write: true, duplicate: true}, nil
		}
		if err := mission.TransitionTask(rec.State, next); err != nil {
			return change{}, fmt.Errorf("task %s: %w", mission.TaskKey(r.MissionID, r.TaskID), err)
		}
		completed := r.CompletedAt
		if completed.IsZero() {
			completed = now
		}
		rec.State = next
		rec.TerminalAt = &now
		rec.LastResult = &mission.ResultSummary{
			Outcome:     r.Outcome,
			Payload:     r.Payload,
			Reason:      r.Reason,
			CompletedAt: completed,
		}

		ch := change{write: true}
		if next != mission.TaskSucceeded {
			cascade(st, now)
		}
		ch.dispatch = c.claimEligible(st, now)
		if st.AllTerminal() {
			if err := c.finish(st, st.Aggregate(), now); err != nil {
				return change{}, err
			}
			ch.publish = true
		}
		return ch, nil
	})
	if err != nil {
		return err
	}

	if ch.duplicate {
		c.metrics.Duplicate("task_result")
		c.logger.Info("task result ignored, task not awaiting a result",
			zap.String("mission", r.MissionID),
			zap.String("task", r.TaskID),
			zap.String("state", string(st.Records[r.TaskID].State)))
		return nil
	}

	c.metrics.ResultApplied(string(r.Outcome))
	c.logger.Info("task result applied",
		zap.String("mission", r.MissionID),
		zap.String("task", r.TaskID),
		zap.String("outcome", string(r.Outcome)))

	if err := c.publishTasks(ctx, st, ch.dispatch); err != nil {
		c.logger.Warn("dispatch after result failed, sweep will retry",
			zap.String("mission", r.MissionID),
			zap.Error(err))
	}
	if ch.publish {
		return c.publishResult(ctx, st)
	}
	return nil
}

// publishResult sends the MissionResult for a record whose claim this caller
// won, then confirms the publish. An unconfirmed claim is picked up again by
// the sweep once PublishClaimTimeout has passed.
func (c *Coordinator) publishResult(ctx context.Context, st *mission.State) error {
	res := missionResult(st)
	if err := c.pub.Publish(ctx, bus.TopicMissionResult, res); err != nil {
		return fmt.Errorf("publish result for mission %s: %w", st.Mission.ID, err)
	}
	c.metrics.MissionFinished(string(res.Status))
	c.logger.Info("mission finished",
		zap.String("mission", res.MissionID),
		zap.String("status", string(res.Status)),
		zap.Int("tasks", len(res.TaskOutcomes)))

	claimed := st.ResultClaimedAt
	_, _, err := c.mutate(ctx, st.Mission.ID, func(cur *mission.State) (change, error) {
		if cur.ResultPublishedAt != nil || !sameTime(cur.ResultClaimedAt, claimed) {
			return change{}, nil
		}
		now := c.now()
		cur.ResultPublishedAt = &now
		return change{write: true}, nil
	})
	if err != nil {
		c.logger.Warn("confirm result publish failed",
			zap.String("mission", st.Mission.ID),
			zap.Error(err))
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
