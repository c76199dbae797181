package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/nidhogg/nuka-building/internal/store"
	"go.uber.org/zap"
)

// SweepReport counts what one sweep pass did.
type SweepReport struct {
	TimedOut     int   `json:"timed_out"`
	Redispatched int   `json:"redispatched"`
	Republished  int   `json:"republished"`
	Purged       int64 `json:"purged"`
}

// SweepTimeouts is the periodic repair pass. It times out missions past their
// deadline, re-dispatches tasks whose claim went unanswered, republishes
// results whose publish was never confirmed and purges expired records.
// Errors on one mission do not stop the pass; they are joined and returned.
func (c *Coordinator) SweepTimeouts(ctx context.Context) (SweepReport, error) {
	c.metrics.Sweep()
	var (
		report SweepReport
		errs   []error
	)

	var after store.Cursor
	for page := 0; ; page++ {
		active, err := c.store.ListActive(ctx, after, c.cfg.SweepBatch)
		if err != nil {
			if page == 0 {
				return report, fmt.Errorf("list active missions: %w", err)
			}
			errs = append(errs, fmt.Errorf("list active missions: %w", err))
			break
		}
		for _, st := range active {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if !c.now().Before(st.Deadline) {
				ok, err := c.timeOut(ctx, st.Mission.ID)
				if err != nil {
					errs = append(errs, err)
				}
				if ok {
					report.TimedOut++
				}
				continue
			}
			n, err := c.redispatch(ctx, st.Mission.ID)
			if err != nil {
				errs = append(errs, err)
			}
			report.Redispatched += n
		}
		if len(active) < c.cfg.SweepBatch {
			break
		}
		after = store.After(active[len(active)-1])
	}

	stale := c.now().Add(-c.cfg.PublishClaimTimeout)
	unpublished, err := c.store.ListUnpublished(ctx, stale, c.cfg.SweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unpublished results: %w", err))
	}
	for _, st := range unpublished {
		ok, err := c.republish(ctx, st.Mission.ID)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			report.Republished++
		}
	}

	purged, err := c.store.Purge(ctx, c.now())
	if err != nil {
		errs = append(errs, fmt.Errorf("purge expired missions: %w", err))
	}
	report.Purged = purged

	if report != (SweepReport{}) {
		c.logger.Info("sweep finished",
			zap.Int("timed_out", report.TimedOut),
			zap.Int("redispatched", report.Redispatched),
			zap.Int("republished", report.Republished),
			zap.Int64("purged", report.Purged))
	}
	return report, errors.Join(errs...)
}

// timeOut terminalises every outstanding task as timed_out and the mission
// with it. Results that arrive afterwards hit a terminal mission and are
// discarded.
func (c *Coordinator) timeOut(ctx context.Context, id string) (bool, error) {
	st, ch, err := c.mutate(ctx, id, func(st *mission.State) (change, error) {
		now := c.now()
		if st.Status.Terminal() || now.Before(st.Deadline) {
			return change{}, nil
		}
		for _, taskID := range st.Outstanding() {
			rec := st.Records[taskID]
			rec.State = mission.TaskTimedOut
			rec.TerminalAt = &now
			rec.LastResult = &mission.ResultSummary{
				Outcome:     mission.OutcomeTimedOut,
				Reason:      ReasonMissionDeadlineExceeded,
				CompletedAt: now,
			}
		}
		if err := c.finish(st, mission.StatusTimedOut, now); err != nil {
			return change{}, err
		}
		return change{write: true, publish: true}, nil
	})
	if err != nil || !ch.publish {
		return false, err
	}
	c.logger.Warn("mission timed out",
		zap.String("mission", id),
		zap.Time("deadline", st.Deadline))
	return true, c.publishResult(ctx, st)
}

// redispatch re-claims dispatched tasks whose claim is older than
// RedispatchAfter, while the task still has dispatch attempts left.
func (c *Coordinator) redispatch(ctx context.Context, id string) (int, error) {
	st, ch, err := c.mutate(ctx, id, func(st *mission.State) (change, error) {
		if st.Status.Terminal() {
			return change{}, nil
		}
		now := c.now()
		cutoff := now.Add(-c.cfg.RedispatchAfter)
		var ids []string
		for _, t := range st.Mission.Tasks {
			rec := st.Records[t.ID]
			if rec.State != mission.TaskDispatched || rec.DispatchedAt == nil || rec.DispatchedAt.After(cutoff) {
				continue
			}
			if rec.AttemptCount >= c.cfg.MaxDispatchAttempts {
				continue
			}
			rec.AttemptCount++
			rec.DispatchedAt = &now
			ids = append(ids, t.ID)
		}
		// A crash between insert and first claim leaves roots unclaimed.
		ids = append(ids, c.claimEligible(st, now)...)
		return change{write: len(ids) > 0, dispatch: ids}, nil
	})
	if err != nil || len(ch.dispatch) == 0 {
		return 0, err
	}
	c.logger.Info("re-dispatching unanswered tasks",
		zap.String("mission", id),
		zap.Strings("tasks", ch.dispatch))
	return len(ch.dispatch), c.publishTasks(ctx, st, ch.dispatch)
}

// republish takes over a stale result claim and publishes again. Re-claiming
// through the conditional write keeps concurrent sweepers from both sending.
func (c *Coordinator) republish(ctx context.Context, id string) (bool, error) {
	stale := c.now().Add(-c.cfg.PublishClaimTimeout)
	st, ch, err := c.mutate(ctx, id, func(st *mission.State) (change, error) {
		if st.ResultPublishedAt != nil || st.ResultClaimedAt == nil || st.ResultClaimedAt.After(stale) {
			return change{}, nil
		}
		now := c.now()
		st.ResultClaimedAt = &now
		return change{write: true, publish: true}, nil
	})
	if err != nil || !ch.publish {
		return false, err
	}
	c.logger.Warn("republishing unconfirmed mission result", zap.String("mission", id))
	return true, c.publishResult(ctx, st)
}
