package executor

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the attempting phase.
type RetryPolicy struct {
	MaxAttempts  int           // calls in total, the first included
	BaseDelay    time.Duration // backoff before the second call
	MaxDelay     time.Duration
	JitterFactor float64 // ±fraction applied to each delay
}

// backoff returns the wait after the given (1-based) failed attempt:
// BaseDelay·2^(attempt-1), capped at MaxDelay, with jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		jitter := float64(delay) * p.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = p.BaseDelay
		}
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// sleep waits d or until ctx is done or the deadline passes, whichever is
// first. It reports false when the wait was cut short.
func sleep(ctx context.Context, d time.Duration, deadline time.Time, now time.Time) bool {
	if remaining := deadline.Sub(now); remaining < d {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
