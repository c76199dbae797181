package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nidhogg/nuka-building/internal/coordinator"
	"go.uber.org/zap"
)

// ErrBusy is returned by FireNow while another pass is running.
var ErrBusy = errors.New("sweep already running")

// SweepFunc runs one repair pass.
type SweepFunc func(ctx context.Context) (coordinator.SweepReport, error)

// Pass is the outcome of one sweep.
type Pass struct {
	StartedAt time.Time               `json:"started_at"`
	Duration  time.Duration           `json:"duration"`
	Report    coordinator.SweepReport `json:"report"`
	Error     string                  `json:"error,omitempty"`
}

// Sweeper is a Listener that calls SweepTimeouts on every tick. Passes
// never overlap within one process; across replicas the coordinator's
// conditional writes keep concurrent passes safe.
type Sweeper struct {
	sweepFn SweepFunc
	timeout time.Duration
	running sync.Mutex
	mu      sync.Mutex
	last    *Pass
	logger  *zap.Logger
}

// NewSweeper creates a sweeper. timeout bounds a single pass.
func NewSweeper(fn SweepFunc, timeout time.Duration, logger *zap.Logger) *Sweeper {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Sweeper{sweepFn: fn, timeout: timeout, logger: logger}
}

// OnTick implements Listener. A tick that finds a pass in progress is skipped.
func (s *Sweeper) OnTick(ctx context.Context, _ time.Time) {
	if _, err := s.FireNow(ctx); err != nil && !errors.Is(err, ErrBusy) {
		s.logger.Warn("sweep failed", zap.Error(err))
	}
}

// FireNow runs a pass immediately.
func (s *Sweeper) FireNow(ctx context.Context) (*Pass, error) {
	if !s.running.TryLock() {
		return nil, ErrBusy
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	report, err := s.sweepFn(ctx)
	run := &Pass{StartedAt: start.UTC(), Duration: time.Since(start), Report: report}
	if err != nil {
		run.Error = err.Error()
	}

	s.mu.Lock()
	s.last = run
	s.mu.Unlock()

	if report != (coordinator.SweepReport{}) {
		s.logger.Info("sweep repaired missions",
			zap.Int("timed_out", report.TimedOut),
			zap.Int("redispatched", report.Redispatched),
			zap.Int("republished", report.Republished),
			zap.Int64("purged", report.Purged),
			zap.Duration("took", run.Duration))
	}
	return run, err
}

// Last returns the most recent pass, or nil before the first one.
func (s *Sweeper) Last() *Pass {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	p := *s.last
	return &p
}
