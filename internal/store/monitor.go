package store

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-building/internal/mission"
)

// MonitorStore is the monitoring_state table owned by task executors. Every
// record carries a TTL so an abandoned monitor is collected even if its
// executor never comes back.
type MonitorStore interface {
	GetMonitor(ctx context.Context, key string) (*mission.MonitoringState, error)
	PutMonitor(ctx context.Context, st *mission.MonitoringState) error
	DeleteMonitor(ctx context.Context, key string) error

	// AcquireLease takes the per-task execution lease for owner. It reports
	// false when another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// RenewLease extends owner's lease to ttl from now, re-taking it if it
	// lapsed unclaimed. It reports false when another owner holds it.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease only if owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) error

	// RememberResult keeps the terminal result of a task for ttl so a
	// redelivered task can be answered without re-running the action.
	RememberResult(ctx context.Context, r *mission.TaskResult, ttl time.Duration) error
	// RecallResult returns a remembered result or ErrNotFound.
	RecallResult(ctx context.Context, key string) (*mission.TaskResult, error)
}
