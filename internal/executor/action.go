package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/nuka-building/internal/mission"
)

// Task is what an Action receives: the dispatched message plus the attempt
// counter of the current attempting phase.
type Task struct {
	mission.TaskMessage
	// Try counts calls to Execute within this run, from 1.
	Try int
}

// Param returns a task parameter as a string.
func (t *Task) Param(key string) string {
	v, ok := t.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Receipt is the external system's acceptance of a command. A non-nil
// Target asks the executor to monitor until the target holds.
type Receipt struct {
	Payload map[string]any
	Target  map[string]any
}

// Action issues one capability's command against an external system.
// Execute must classify failures with TransientError or PersistentError.
type Action interface {
	Execute(ctx context.Context, task *Task) (*Receipt, error)
}

// Observation is one poll of the external system during monitoring.
type Observation struct {
	Satisfied bool
	Data      map[string]any
}

// Monitor is implemented by actions whose effect must be confirmed by
// polling, for example an elevator that has to arrive and stay.
type Monitor interface {
	Observe(ctx context.Context, task *Task, state *mission.MonitoringState) (*Observation, error)
}

// Prechecker is implemented by actions that can tell whether their effect
// already holds, so a re-delivered task is not re-issued needlessly.
type Prechecker interface {
	Satisfied(ctx context.Context, task *Task) (bool, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, task *Task) (*Receipt, error)

func (f ActionFunc) Execute(ctx context.Context, task *Task) (*Receipt, error) {
	return f(ctx, task)
}

// Registry is the static capability → action table built at startup.
type Registry struct {
	actions map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register binds capability to a. Registering a capability twice panics:
// the table is wiring, not runtime state.
func (r *Registry) Register(capability string, a Action) {
	if _, dup := r.actions[capability]; dup {
		panic("executor: capability registered twice: " + capability)
	}
	r.actions[capability] = a
}

// Lookup returns the action for capability.
func (r *Registry) Lookup(capability string) (Action, bool) {
	a, ok := r.actions[capability]
	return a, ok
}

// Capabilities returns the registered capability names, sorted.
func (r *Registry) Capabilities() []string {
	out := make([]string, 0, len(r.actions))
	for c := range r.actions {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// CapabilityConfig tunes retries, the breaker and monitoring for one
// capability. Zero fields inherit from the executor-wide default.
type CapabilityConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	JitterFactor     float64
	RequestTimeout   time.Duration
	FailureThreshold int
	CoolDown         time.Duration
	PollInterval     time.Duration
	ConfirmWindow    time.Duration
	MonitorTimeout   time.Duration
	MaxPollErrors    int
	Workers          int
}

// DefaultCapabilityConfig is used for anything not configured.
func DefaultCapabilityConfig() CapabilityConfig {
	return CapabilityConfig{
		MaxAttempts:      3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		JitterFactor:     0.25,
		RequestTimeout:   5 * time.Second,
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		PollInterval:     time.Second,
		ConfirmWindow:    3 * time.Second,
		MonitorTimeout:   2 * time.Minute,
		MaxPollErrors:    5,
		Workers:          4,
	}
}

// merge fills zero fields of c from base.
func (c CapabilityConfig) merge(base CapabilityConfig) CapabilityConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = base.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = base.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = base.MaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = base.JitterFactor
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = base.RequestTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = base.FailureThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = base.CoolDown
	}
	if c.PollInterval <= 0 {
		c.PollInterval = base.PollInterval
	}
	if c.ConfirmWindow < 0 {
		c.ConfirmWindow = 0
	} else if c.ConfirmWindow == 0 {
		c.ConfirmWindow = base.ConfirmWindow
	}
	if c.MonitorTimeout <= 0 {
		c.MonitorTimeout = base.MonitorTimeout
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = base.MaxPollErrors
	}
	if c.Workers <= 0 {
		c.Workers = base.Workers
	}
	return c
}

func (c CapabilityConfig) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  c.MaxAttempts,
		BaseDelay:    c.BaseDelay,
		MaxDelay:     c.MaxDelay,
		JitterFactor: c.JitterFactor,
	}
}

func (c CapabilityConfig) breaker() BreakerConfig {
	return BreakerConfig{FailureThreshold: c.FailureThreshold, CoolDown: c.CoolDown}
}
