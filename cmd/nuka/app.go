package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nidhogg/nuka-building/internal/api"
	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/config"
	"github.com/nidhogg/nuka-building/internal/coordinator"
	"github.com/nidhogg/nuka-building/internal/elevator"
	"github.com/nidhogg/nuka-building/internal/executor"
	"github.com/nidhogg/nuka-building/internal/gateway"
	"github.com/nidhogg/nuka-building/internal/metrics"
	"github.com/nidhogg/nuka-building/internal/planner"
	"github.com/nidhogg/nuka-building/internal/store"
	"github.com/nidhogg/nuka-building/internal/sweep"
	"github.com/nidhogg/nuka-building/internal/vendor"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the shared infrastructure of one process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	bus      bus.Bus
	missions store.MissionStore
	monitors store.MonitorStore
	pg       *store.Store
	rdb      *redis.Client
}

// connect opens the bus and stores. The memory driver keeps everything in
// process; the redis driver needs Redis for the bus and monitor state and
// Postgres for mission state.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger, needMissions bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.MustNew(nil)}

	if cfg.Bus.Driver == "memory" {
		logger.Warn("running on the in-memory bus; state is lost on exit")
		a.bus = bus.NewMemoryBus(cfg.Bus.ClaimIdle.D(), logger)
		a.missions = store.NewMemoryMissionStore()
		a.monitors = store.NewMemoryMonitorStore(nil)
		return a, nil
	}

	rdb, err := bus.ConnectRedis(ctx, cfg.Database.Redis.URL)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	a.bus = bus.NewRedisBus(rdb, cfg.Bus.RedisOptions(), logger)
	a.monitors = store.NewRedisMonitorStore(rdb)
	logger.Info("Redis connected")

	if needMissions {
		pg, err := store.New(cfg.Database.Postgres.DSN, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.pg = pg
		a.missions = pg
	}
	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
}

func (a *app) coordinator() *coordinator.Coordinator {
	return coordinator.New(a.missions, a.bus, a.cfg.Coordinator.Coordinator(), a.metrics, a.logger.Named("coordinator"))
}

func (a *app) sweeper(c *coordinator.Coordinator) (*sweep.Clock, *sweep.Sweeper) {
	logger := a.logger.Named("sweep")
	s := sweep.NewSweeper(c.SweepTimeouts, a.cfg.Coordinator.SweepTimeout.D(), logger)
	clock := sweep.NewClock(a.cfg.Coordinator.SweepInterval.D(), logger)
	clock.AddListener(s)
	return clock, s
}

// executor registers the configured capabilities: call-elevator when the
// elevator integration is enabled, and a command action per vendor command.
func (a *app) executor() (*executor.Executor, error) {
	logger := a.logger.Named("executor")
	reg := executor.NewRegistry()

	if a.cfg.Elevator.Enabled {
		client := vendor.NewClient(a.cfg.Elevator.BaseURL, a.cfg.Elevator.Token, a.cfg.Elevator.Timeout.D(), logger.Named("elevator"))
		reg.Register(elevator.Capability, elevator.New(client, a.cfg.Elevator.DefaultCar, logger.Named("elevator")))
	}
	if len(a.cfg.Vendor.Commands) > 0 {
		client := vendor.NewClient(a.cfg.Vendor.BaseURL, a.cfg.Vendor.Token, a.cfg.Vendor.Timeout.D(), logger.Named("vendor"))
		for _, capability := range a.cfg.Vendor.Commands {
			if _, taken := reg.Lookup(capability); taken {
				return nil, fmt.Errorf("capability %s configured twice", capability)
			}
			reg.Register(capability, vendor.NewCommandAction(client, capability))
		}
	}
	if len(reg.Capabilities()) == 0 {
		return nil, errors.New("no capabilities configured: enable elevator or list vendor.commands")
	}
	logger.Info("capabilities registered", zap.Strings("capabilities", reg.Capabilities()))
	return executor.New(reg, a.monitors, a.bus, a.cfg.Executor.Executor(), a.metrics, logger), nil
}

// gateway registers and connects the enabled chat adapters. A platform that
// fails to connect is logged; alerts to it will fail and be counted.
func (a *app) gateway(ctx context.Context) (*gateway.Gateway, *gateway.Broadcaster) {
	logger := a.logger.Named("gateway")
	gw := gateway.NewGateway(a.metrics, logger)
	gc := a.cfg.Gateway
	if gc.Slack.Enabled {
		gw.Register(gateway.NewSlackAdapter(gc.Slack.BotToken, gc.Slack.Channel, &gc.Identity, logger))
	}
	if gc.Discord.Enabled {
		gw.Register(gateway.NewDiscordAdapter(gc.Discord.BotToken, gc.Discord.Channel, &gc.Identity, logger))
	}
	if err := gw.ConnectAll(ctx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}
	return gw, gateway.NewBroadcaster(gw, logger)
}

func (a *app) planner(alerts planner.Alerter) (*planner.Planner, error) {
	p := planner.New(a.bus, alerts, a.cfg.Planner.Planner(), a.metrics, a.logger.Named("planner"))
	for _, pb := range a.cfg.Planner.PlaybookList() {
		if err := p.Register(pb); err != nil {
			return nil, fmt.Errorf("playbook %s: %w", pb.Action, err)
		}
	}
	return p, nil
}

// serveHTTP runs the API until ctx is cancelled.
func (a *app) serveHTTP(ctx context.Context, deps api.Deps) error {
	if deps.Bus == nil {
		deps.Bus = a.bus
	}
	handler := api.NewHandler(deps, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
