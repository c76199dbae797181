package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/nidhogg/nuka-building/internal/store"
	"go.uber.org/zap"
)

// Reasons attached to results the executor produces itself.
const (
	ReasonUnknownCapability = "unknown_capability"
	ReasonCircuitOpen       = "circuit_open"
	ReasonDeadline          = "deadline_exceeded"
	ReasonAlreadySatisfied  = "already_satisfied"
	ReasonPollErrors        = "monitor_poll_errors_exhausted"
)

// run is one task execution from received to a terminal phase.
type run struct {
	e       *Executor
	task    *Task
	key     string
	cfg     CapabilityConfig
	breaker *CircuitBreaker
	phase   Phase
	started time.Time
	log     *zap.Logger
}

func (r *run) to(p Phase) {
	if err := transition(r.phase, p); err != nil {
		r.log.Error("executor state machine violated", zap.Error(err))
	}
	r.log.Debug("executor phase", zap.String("from", string(r.phase)), zap.String("to", string(p)))
	r.phase = p
}

// result moves to the terminal phase and builds the single TaskResult.
func (r *run) result(p Phase, reason string, payload map[string]any) *mission.TaskResult {
	r.to(p)
	outcome := mission.OutcomeSucceeded
	switch p {
	case PhaseFailed:
		outcome = mission.OutcomeFailed
	case PhaseTimedOut:
		outcome = mission.OutcomeTimedOut
	}
	return &mission.TaskResult{
		MissionID:     r.task.MissionID,
		TaskID:        r.task.TaskID,
		Outcome:       outcome,
		Payload:       payload,
		Reason:        reason,
		DeliveryToken: uuid.NewString(),
		CompletedAt:   r.e.now(),
	}
}

// execute drives the state machine. It only returns an error when ctx was
// cancelled and no result should be published.
func (r *run) execute(ctx context.Context) (*mission.TaskResult, error) {
	action, ok := r.e.registry.Lookup(r.task.Capability)
	if !ok {
		return r.result(PhaseFailed, ReasonUnknownCapability, nil), nil
	}
	if !r.e.now().Before(r.task.Deadline) {
		return r.result(PhaseTimedOut, ReasonDeadline, nil), nil
	}

	mon, canMonitor := action.(Monitor)
	st, err := r.e.monitors.GetMonitor(ctx, r.key)
	switch {
	case err == nil && canMonitor:
		r.log.Info("resuming monitoring",
			zap.Time("started_at", st.StartedAt),
			zap.Int("retry_count", st.RetryCount))
		// Nobody watched the target while the task was orphaned, so the
		// confirmation window starts over.
		st.ConditionSince = nil
		r.to(PhaseMonitoring)
		return r.monitor(ctx, mon, st)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load monitoring state %s: %w", r.key, err)
	}

	if pc, ok := action.(Prechecker); ok {
		if err := r.hold(ctx, 0); err != nil {
			return nil, err
		}
		var satisfied bool
		err := r.guarded(ctx, func(ctx context.Context) error {
			var err error
			satisfied, err = pc.Satisfied(ctx, r.task)
			return err
		})
		switch {
		case err == nil && satisfied:
			return r.result(PhaseSucceeded, ReasonAlreadySatisfied, nil), nil
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			r.log.Warn("precheck failed, issuing action", zap.Error(err))
		}
	}

	r.to(PhaseAttempting)
	receipt, err := r.attempt(ctx, action)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ErrLeaseLost):
		return nil, err
	case errors.Is(err, ErrCircuitOpen):
		return r.result(PhaseFailed, ReasonCircuitOpen, nil), nil
	case errors.Is(err, ErrMissionDeadlineExceeded):
		return r.result(PhaseTimedOut, ReasonDeadline, nil), nil
	default:
		return r.result(PhaseFailed, err.Error(), nil), nil
	}

	if receipt == nil || receipt.Target == nil || !canMonitor {
		var payload map[string]any
		if receipt != nil {
			payload = receipt.Payload
		}
		return r.result(PhaseSucceeded, "", payload), nil
	}

	now := r.e.now()
	deadline := now.Add(r.cfg.MonitorTimeout)
	if r.task.Deadline.Before(deadline) {
		deadline = r.task.Deadline
	}
	st = &mission.MonitoringState{
		MissionID:       r.task.MissionID,
		TaskID:          r.task.TaskID,
		Capability:      r.task.Capability,
		TargetCondition: receipt.Target,
		StartedAt:       now,
		Deadline:        deadline,
		TTL:             deadline.Sub(now) + r.e.cfg.MonitorGrace,
	}
	r.to(PhaseMonitoring)
	r.persist(ctx, st)
	return r.monitor(ctx, mon, st)
}

// attempt calls the action until it succeeds, fails persistently, the
// breaker opens or MaxAttempts is used up, backing off between calls.
func (r *run) attempt(ctx context.Context, action Action) (*Receipt, error) {
	policy := r.cfg.retryPolicy()
	for try := 1; ; try++ {
		r.task.Try = try
		if err := r.hold(ctx, 0); err != nil {
			return nil, err
		}
		var receipt *Receipt
		err := r.guarded(ctx, func(ctx context.Context) error {
			var err error
			receipt, err = action.Execute(ctx, r.task)
			return err
		})
		if err == nil {
			r.e.metrics.Attempt(r.task.Capability, "ok")
			return receipt, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			r.e.metrics.Attempt(r.task.Capability, "short_circuit")
			r.log.Warn("circuit open, not calling", zap.Int("try", try))
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.e.metrics.Attempt(r.task.Capability, "error")
		r.log.Warn("attempt failed",
			zap.Int("try", try),
			zap.Bool("transient", IsTransient(err)),
			zap.Error(err))
		if !IsTransient(err) {
			return nil, err
		}
		if try >= policy.MaxAttempts {
			return nil, fmt.Errorf("%d attempts exhausted: %w", try, err)
		}
		wait := policy.backoff(try)
		if err := r.hold(ctx, wait); err != nil {
			return nil, err
		}
		if !sleep(ctx, wait, r.task.Deadline, r.e.now()) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("backoff after try %d: %w", try, ErrMissionDeadlineExceeded)
		}
	}
}

// guarded runs one external call through the breaker with the request
// timeout, never past the task deadline.
func (r *run) guarded(ctx context.Context, call func(ctx context.Context) error) error {
	if err := r.breaker.Allow(); err != nil {
		return fmt.Errorf("%s: %w", r.task.Capability, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	callCtx, cancelDeadline := context.WithDeadline(callCtx, r.task.Deadline)
	defer cancelDeadline()

	err := call(callCtx)
	switch {
	case ctx.Err() != nil:
		r.breaker.Abandon()
	case err == nil || !IsTransient(err):
		// The system answered; a rejection is not an outage.
		r.breaker.Mark(nil)
	default:
		r.breaker.Mark(err)
	}
	return err
}

// monitor polls until the target holds for ConfirmWindow without a break,
// the monitoring deadline passes or poll errors exceed MaxPollErrors.
func (r *run) monitor(ctx context.Context, mon Monitor, st *mission.MonitoringState) (*mission.TaskResult, error) {
	r.e.metrics.MonitorStarted()
	defer r.e.metrics.MonitorStopped()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.hold(ctx, 0); err != nil {
			return nil, err
		}
		if !r.e.now().Before(st.Deadline) {
			r.log.Warn("monitoring deadline reached without stable confirmation",
				zap.Any("last_observation", st.LastObservation))
			return r.result(PhaseTimedOut, ReasonDeadline, st.LastObservation), nil
		}

		var obs *Observation
		err := r.guarded(ctx, func(ctx context.Context) error {
			var err error
			obs, err = mon.Observe(ctx, r.task, st)
			return err
		})
		now := r.e.now()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && (IsTransient(err) || errors.Is(err, ErrCircuitOpen)):
			st.RetryCount++
			r.log.Warn("poll failed",
				zap.Int("retry_count", st.RetryCount),
				zap.Error(err))
			if st.RetryCount > r.cfg.MaxPollErrors {
				return r.result(PhaseFailed, ReasonPollErrors, st.LastObservation), nil
			}
		case err != nil:
			return r.result(PhaseFailed, err.Error(), st.LastObservation), nil
		default:
			st.LastObservation = obs.Data
			if !obs.Satisfied {
				st.ConditionSince = nil
				break
			}
			if st.ConditionSince == nil {
				since := now
				st.ConditionSince = &since
			}
			if held := now.Sub(*st.ConditionSince); held >= r.cfg.ConfirmWindow {
				payload := make(map[string]any, len(obs.Data)+1)
				for k, v := range obs.Data {
					payload[k] = v
				}
				payload["confirmed_for_ms"] = held.Milliseconds()
				return r.result(PhaseSucceeded, "", payload), nil
			}
		}

		st.TTL = st.Deadline.Sub(now) + r.e.cfg.MonitorGrace
		r.persist(ctx, st)
		if err := r.hold(ctx, r.cfg.PollInterval); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold renews the execution lease to cover wait plus the next call. A
// renewal the store cannot answer is logged and the run carries on: the
// vendor deduplicates by idempotency key if another instance steps in.
func (r *run) hold(ctx context.Context, wait time.Duration) error {
	ok, err := r.e.monitors.RenewLease(ctx, r.key, r.e.id, r.e.leaseTTL(r.cfg, wait))
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		r.log.Warn("renew lease failed", zap.Error(err))
	case !ok:
		r.log.Warn("lease lost, handing the task over")
		return fmt.Errorf("%s: %w", r.key, ErrLeaseLost)
	}
	return nil
}

func (r *run) persist(ctx context.Context, st *mission.MonitoringState) {
	if st.TTL < r.e.cfg.MonitorGrace {
		st.TTL = r.e.cfg.MonitorGrace
	}
	if err := r.e.monitors.PutMonitor(ctx, st); err != nil {
		r.log.Warn("persist monitoring state failed", zap.Error(err))
	}
}
