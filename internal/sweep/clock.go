// Package sweep drives the coordinator's periodic repair pass from a ticker.
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives clock ticks.
type Listener interface {
	OnTick(ctx context.Context, now time.Time)
}

// Clock fans ticks out to its listeners at a fixed interval.
type Clock struct {
	interval  time.Duration
	listeners []Listener
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewClock creates a clock that ticks every interval.
func NewClock(interval time.Duration, logger *zap.Logger) *Clock {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Clock{interval: interval, logger: logger}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Run ticks until ctx is cancelled. Listeners run in order on the clock's
// goroutine, so a slow listener delays the next tick instead of overlapping.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.logger.Info("sweep clock started", zap.Duration("interval", c.interval))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sweep clock stopped")
			return nil
		case now := <-ticker.C:
			c.tick(ctx, now)
		}
	}
}

func (c *Clock) tick(ctx context.Context, now time.Time) {
	c.mu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		l.OnTick(ctx, now)
	}
}
