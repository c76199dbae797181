// Package executor runs capability actions for dispatched tasks. Each task
// goes through received → attempting → (succeeded | monitoring | failed),
// with monitoring ending in succeeded, timed_out or failed, and every path
// publishes exactly one TaskResult.
//
// Executors hold no in-process state across deliveries: monitoring progress,
// the execution lease and the remembered terminal result live in a
// MonitorStore, so a redelivered task can land on any instance.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/metrics"
	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/nidhogg/nuka-building/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsumerGroup is the bus group shared by all executor instances.
const ConsumerGroup = "executor"

// Config tunes the executor.
type Config struct {
	Default      CapabilityConfig
	Capabilities map[string]CapabilityConfig
	// DoneTTL is how long a terminal result is remembered for duplicates.
	DoneTTL time.Duration
	// MonitorGrace extends monitoring-state TTLs past the deadline.
	MonitorGrace time.Duration
	// LeaseGrace is added to every lease renewal on top of the next
	// request timeout. A crashed executor's lease lapses after about this
	// long, and the redelivered task resumes on another instance.
	LeaseGrace time.Duration
}

func (c Config) withDefaults() Config {
	c.Default = c.Default.merge(DefaultCapabilityConfig())
	if c.DoneTTL <= 0 {
		c.DoneTTL = 24 * time.Hour
	}
	if c.MonitorGrace <= 0 {
		c.MonitorGrace = time.Minute
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 5 * time.Second
	}
	return c
}

// Executor is a generic task executor. It is safe for concurrent use.
type Executor struct {
	id       string
	registry *Registry
	monitors store.MonitorStore
	pub      bus.Publisher
	breakers *Breakers
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an executor for the actions in reg. m may be nil.
func New(reg *Registry, monitors store.MonitorStore, pub bus.Publisher, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Executor {
	e := &Executor{
		id:       uuid.NewString(),
		registry: reg,
		monitors: monitors,
		pub:      pub,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	e.breakers = NewBreakers(func(capability string) BreakerConfig {
		return e.capabilityConfig(capability).breaker()
	}, m, logger)
	return e
}

// SetClock replaces the clock used for deadlines, breaker cool-downs and
// the confirmation window.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
	e.breakers.now = now
}

// Breakers exposes the per-capability circuit breakers.
func (e *Executor) Breakers() *Breakers {
	return e.breakers
}

func (e *Executor) capabilityConfig(capability string) CapabilityConfig {
	if c, ok := e.cfg.Capabilities[capability]; ok {
		return c.merge(e.cfg.Default)
	}
	return e.cfg.Default
}

// Run consumes every registered capability's task topic until ctx is
// cancelled, with Workers concurrent consumers per capability.
func (e *Executor) Run(ctx context.Context, b bus.Bus) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, capability := range e.registry.Capabilities() {
		topic := bus.TaskTopic(capability)
		workers := e.capabilityConfig(capability).Workers
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				return b.Subscribe(gctx, topic, ConsumerGroup, e.HandleDelivery)
			})
		}
		e.logger.Info("executor consuming",
			zap.String("topic", topic),
			zap.Int("workers", workers))
	}
	return g.Wait()
}

// HandleDelivery is the bus handler for task topics.
func (e *Executor) HandleDelivery(ctx context.Context, d *bus.Delivery) error {
	var msg mission.TaskMessage
	if err := d.Decode(&msg); err != nil {
		e.logger.Warn("dropping undecodable task", zap.String("id", d.ID), zap.Error(err))
		return nil
	}
	if msg.MissionID == "" || msg.TaskID == "" {
		e.logger.Warn("dropping task without ids", zap.String("id", d.ID))
		return nil
	}
	return e.HandleTask(ctx, msg)
}

// HandleTask runs one delivery of a task. A task that already finished
// re-publishes its remembered result. A task another instance holds returns
// ErrLeaseHeld so the delivery stays pending: the holder keeps renewing its
// lease while it works, and a crashed holder's lease lapses so the retry
// resumes from the persisted monitoring state. A returned error means the
// delivery should be retried.
func (e *Executor) HandleTask(ctx context.Context, msg mission.TaskMessage) error {
	key := mission.TaskKey(msg.MissionID, msg.TaskID)
	log := e.logger.With(
		zap.String("mission", msg.MissionID),
		zap.String("task", msg.TaskID),
		zap.String("capability", msg.Capability))

	if msg.Deadline.IsZero() {
		msg.Deadline = e.now().Add(e.capabilityConfig(msg.Capability).MonitorTimeout)
	}

	prev, err := e.monitors.RecallResult(ctx, key)
	switch {
	case err == nil:
		e.metrics.Duplicate("task")
		log.Info("task already finished, re-publishing result",
			zap.String("outcome", string(prev.Outcome)))
		return e.publish(ctx, prev)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("recall result %s: %w", key, err)
	}

	cfg := e.capabilityConfig(msg.Capability)
	acquired, err := e.monitors.AcquireLease(ctx, key, e.id, e.leaseTTL(cfg, 0))
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !acquired {
		e.metrics.Duplicate("task")
		log.Info("task is running on another executor, leaving it pending")
		return fmt.Errorf("%s: %w", key, ErrLeaseHeld)
	}
	defer func() {
		if err := e.monitors.ReleaseLease(context.WithoutCancel(ctx), key, e.id); err != nil {
			log.Warn("release lease failed", zap.Error(err))
		}
	}()

	r := &run{
		e:       e,
		task:    &Task{TaskMessage: msg},
		key:     key,
		cfg:     cfg,
		breaker: e.breakers.Get(msg.Capability),
		phase:   PhaseReceived,
		started: e.now(),
		log:     log,
	}
	res, err := r.execute(ctx)
	if err != nil {
		// Shutdown or lost lease mid-run: monitoring state is persisted, the
		// redelivery resumes it.
		return err
	}
	e.metrics.ObserveTask(msg.Capability, string(res.Outcome), e.now().Sub(r.started))
	return e.finish(ctx, r, res)
}

// leaseTTL covers the wait before the next external call plus that call.
func (e *Executor) leaseTTL(cfg CapabilityConfig, wait time.Duration) time.Duration {
	return wait + cfg.RequestTimeout + e.cfg.LeaseGrace
}

// finish remembers, publishes and cleans up. The result is remembered before
// it is published so a redelivery after a failed publish sends the same
// delivery token instead of running the action again.
func (e *Executor) finish(ctx context.Context, r *run, res *mission.TaskResult) error {
	if err := e.monitors.RememberResult(ctx, res, e.cfg.DoneTTL); err != nil {
		r.log.Warn("remember result failed", zap.Error(err))
	}
	if err := e.publish(ctx, res); err != nil {
		return err
	}
	if err := e.monitors.DeleteMonitor(ctx, r.key); err != nil {
		r.log.Warn("delete monitoring state failed", zap.Error(err))
	}
	r.log.Info("task finished",
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", res.Reason),
		zap.Int("tries", r.task.Try))
	return nil
}

func (e *Executor) publish(ctx context.Context, res *mission.TaskResult) error {
	if err := e.pub.Publish(ctx, bus.TopicTaskResult, res); err != nil {
		return fmt.Errorf("publish result %s: %w", mission.TaskKey(res.MissionID, res.TaskID), err)
	}
	return nil
}
