// Package gateway sends operator alerts to chat platforms.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/nuka-building/internal/metrics"
	"go.uber.org/zap"
)

// Gateway manages the registered platform adapters.
type Gateway struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewGateway creates a gateway manager.
func NewGateway(m *metrics.Metrics, logger *zap.Logger) *Gateway {
	return &Gateway{
		adapters: make(map[string]Adapter),
		metrics:  m,
		logger:   logger,
	}
}

// Register adds an adapter, replacing one for the same platform.
func (g *Gateway) Register(adapter Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	platform := adapter.Platform()
	g.adapters[platform] = adapter
	g.logger.Info("registered gateway adapter", zap.String("platform", platform))
}

// ConnectAll starts all registered adapters.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Connect(ctx); err != nil {
			g.logger.Error("adapter connect failed",
				zap.String("platform", platform), zap.Error(err))
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		g.logger.Info("adapter connected", zap.String("platform", platform))
	}
	return nil
}

// Broadcast sends alert to every matching adapter. Delivery continues past
// a failing platform; the error reports how many failed.
func (g *Gateway) Broadcast(ctx context.Context, alert *Alert) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	targets := g.adapters
	if len(alert.Platforms) > 0 {
		targets = make(map[string]Adapter)
		for _, p := range alert.Platforms {
			if a, ok := g.adapters[p]; ok {
				targets[p] = a
			}
		}
	}

	var sent []string
	var failed int
	for platform, adapter := range targets {
		err := adapter.Notify(ctx, alert)
		g.metrics.Alert(platform, err)
		if err != nil {
			g.logger.Error("alert delivery failed",
				zap.String("platform", platform), zap.Error(err))
			failed++
			continue
		}
		sent = append(sent, platform)
	}
	sort.Strings(sent)
	if failed > 0 {
		return sent, fmt.Errorf("alert failed on %d platform(s)", failed)
	}
	return sent, nil
}

// Close shuts down all adapters.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Close(); err != nil {
			g.logger.Error("adapter close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// Adapters returns the registered platform names, sorted.
func (g *Gateway) Adapters() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for p := range g.adapters {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Statuses reports every adapter's connection state.
func (g *Gateway) Statuses() []AdapterStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]AdapterStatus, 0, len(g.adapters))
	for _, a := range g.adapters {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
