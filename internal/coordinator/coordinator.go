// Package coordinator owns mission state. It turns a Mission plan into task
// dispatches, folds duplicated and reordered TaskResults into the record and
// publishes exactly one MissionResult per mission.
//
// The coordinator keeps nothing in memory between messages: every decision is
// a read of the mission record followed by a version-checked write, so any
// number of replicas can consume the same topics.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/metrics"
	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/nidhogg/nuka-building/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrMissionNotFound means a result arrived for a mission with no record.
	// It is transient: the result may have overtaken its Mission message.
	ErrMissionNotFound = errors.New("mission not found")
	// ErrStateConflict means the conditional write kept losing races.
	ErrStateConflict = errors.New("mission state conflict")
	// ErrDuplicateDelivery marks a message that was already applied.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
	// ErrInvalidResult marks a TaskResult that can never be applied.
	ErrInvalidResult = errors.New("invalid task result")
)

// Reasons recorded on task records the coordinator terminalises itself.
const (
	ReasonDependencyFailed        = "dependency_failed"
	ReasonMissionDeadlineExceeded = "mission_deadline_exceeded"
)

// Config tunes the coordinator. Zero values take the defaults below.
type Config struct {
	// MissionTimeout is added to created_at when a mission carries no deadline.
	MissionTimeout time.Duration
	// Retention keeps terminal records around to absorb late duplicates.
	Retention time.Duration
	// MaxCASRetries bounds reload-and-recompute after a lost write.
	MaxCASRetries int
	// RedispatchAfter is how long a dispatch claim may go unanswered
	// before the sweep publishes the task again.
	RedispatchAfter time.Duration
	// MaxDispatchAttempts caps publishes per task, the first one included.
	MaxDispatchAttempts int
	// PublishClaimTimeout is how long a result claim may stay unconfirmed
	// before the sweep republishes the MissionResult.
	PublishClaimTimeout time.Duration
	// SweepBatch limits how many records one sweep pass loads per query.
	SweepBatch int
}

func (c Config) withDefaults() Config {
	if c.MissionTimeout <= 0 {
		c.MissionTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.MaxCASRetries <= 0 {
		c.MaxCASRetries = 10
	}
	if c.RedispatchAfter <= 0 {
		c.RedispatchAfter = time.Minute
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = 3
	}
	if c.PublishClaimTimeout <= 0 {
		c.PublishClaimTimeout = 30 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
	return c
}

// Coordinator is the Mission Coordinator. It is safe for concurrent use.
type Coordinator struct {
	store   store.MissionStore
	pub     bus.Publisher
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a coordinator. m may be nil.
func New(st store.MissionStore, pub bus.Publisher, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   st,
		pub:     pub,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the wall clock used for deadlines and timestamps.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Mission returns the current record for id.
func (c *Coordinator) Mission(ctx context.Context, id string) (*mission.State, error) {
	st, err := c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("mission %s: %w", id, ErrMissionNotFound)
	}
	return st, err
}

// change is what one mutation decided, handed to the publish step after
// the write that made the decision durable.
type change struct {
	write     bool
	dispatch  []string
	publish   bool
	duplicate bool
}

// mutate loads the record, lets fn modify it and writes it back under the
// version it was loaded with. A lost race reloads and calls fn again on the
// fresh record, so fn must derive everything from the state it is given.
func (c *Coordinator) mutate(ctx context.Context, id string, fn func(st *mission.State) (change, error)) (*mission.State, change, error) {
	for attempt := 0; attempt <= c.cfg.MaxCASRetries; attempt++ {
		st, err := c.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, change{}, fmt.Errorf("mission %s: %w", id, ErrMissionNotFound)
			}
			return nil, change{}, fmt.Errorf("load mission %s: %w", id, err)
		}
		ch, err := fn(st)
		if err != nil || !ch.write {
			return st, ch, err
		}
		st.UpdatedAt = c.now()
		err = c.store.Update(ctx, st)
		if err == nil {
			return st, ch, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, change{}, fmt.Errorf("write mission %s: %w", id, err)
		}
		c.metrics.CASConflict()
		c.logger.Debug("mission write conflict, retrying",
			zap.String("mission", id),
			zap.Int("attempt", attempt+1))
	}
	return nil, change{}, fmt.Errorf("mission %s after %d attempts: %w", id, c.cfg.MaxCASRetries+1, ErrStateConflict)
}

// claimEligible marks every eligible task dispatched and returns their ids.
func (c *Coordinator) claimEligible(st *mission.State, now time.Time) []string {
	ids := st.Eligible()
	for _, id := range ids {
		rec := st.Records[id]
		rec.State = mission.TaskDispatched
		rec.AttemptCount++
		rec.DispatchedAt = &now
	}
	if len(ids) > 0 && st.Status == mission.StatusPending {
		st.Status = mission.StatusInProgress
	}
	return ids
}

// cascade terminalises tasks that can no longer run because a dependency
// failed, repeating until the chain is exhausted.
func cascade(st *mission.State, now time.Time) int {
	n := 0
	for {
		blocked := st.Blocked()
		if len(blocked) == 0 {
			return n
		}
		for id, dep := range blocked {
			rec := st.Records[id]
			rec.State = mission.TaskFailed
			rec.TerminalAt = &now
			rec.LastResult = &mission.ResultSummary{
				Outcome:     mission.OutcomeFailed,
				Reason:      ReasonDependencyFailed,
				Payload:     map[string]any{"dependency": dep},
				CompletedAt: now,
			}
			n++
		}
	}
}

// finish moves the mission to a terminal status and claims the result publish.
func (c *Coordinator) finish(st *mission.State, status mission.Status, now time.Time) error {
	if err := mission.Transition(st.Status, status); err != nil {
		return fmt.Errorf("finish mission %s: %w", st.Mission.ID, err)
	}
	expires := now.Add(c.cfg.Retention)
	st.Status = status
	st.TerminalAt = &now
	st.ExpiresAt = &expires
	st.ResultClaimedAt = &now
	return nil
}

// missionResult builds the wire message from a terminal record.
func missionResult(st *mission.State) mission.MissionResult {
	reasons := make(map[string]string)
	for id, rec := range st.Records {
		if rec.LastResult != nil && rec.LastResult.Reason != "" {
			reasons[id] = rec.LastResult.Reason
		}
	}
	completed := st.UpdatedAt
	if st.TerminalAt != nil {
		completed = *st.TerminalAt
	}
	return mission.MissionResult{
		MissionID:    st.Mission.ID,
		IntentionID:  st.Mission.IntentionID,
		Status:       st.Status,
		TaskOutcomes: st.Outcomes(),
		Reasons:      reasons,
		CompletedAt:  completed,
	}
}
