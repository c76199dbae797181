package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/nidhogg/nuka-building/internal/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run planner, coordinator, sweep, executor and API in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		a, err := connect(ctx, cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.close()
		if a.pg != nil {
			if err := a.pg.Migrate(ctx, cfg.Server.MigrationsDir); err != nil {
				return err
			}
		}

		coord := a.coordinator()
		clock, sweeper := a.sweeper(coord)
		exec, err := a.executor()
		if err != nil {
			return err
		}
		gw, broadcaster := a.gateway(ctx)
		defer gw.Close()
		plan, err := a.planner(broadcaster)
		if err != nil {
			return err
		}

		logger.Info("Nuka started", zap.String("bus", cfg.Bus.Driver))
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return coord.Run(gctx, a.bus) })
		g.Go(func() error { return clock.Run(gctx) })
		g.Go(func() error { return exec.Run(gctx, a.bus) })
		g.Go(func() error { return plan.Run(gctx, a.bus) })
		g.Go(func() error {
			return a.serveHTTP(gctx, api.Deps{
				Missions:    coord,
				Planner:     plan,
				Sweeper:     sweeper,
				Breakers:    exec.Breakers(),
				Gateway:     gw,
				Broadcaster: broadcaster,
			})
		})
		err = g.Wait()
		logger.Info("Nuka stopped")
		return err
	},
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the mission coordinator and its periodic sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		a, err := connect(ctx, cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.close()

		coord := a.coordinator()
		clock, sweeper := a.sweeper(coord)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return coord.Run(gctx, a.bus) })
		g.Go(func() error { return clock.Run(gctx) })
		g.Go(func() error {
			return a.serveHTTP(gctx, api.Deps{Missions: coord, Sweeper: sweeper})
		})
		return g.Wait()
	},
}

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run the task executors for the configured capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		a, err := connect(ctx, cfg, logger, false)
		if err != nil {
			return err
		}
		defer a.close()

		exec, err := a.executor()
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return exec.Run(gctx, a.bus) })
		g.Go(func() error {
			return a.serveHTTP(gctx, api.Deps{Breakers: exec.Breakers()})
		})
		return g.Wait()
	},
}

var plannerCmd = &cobra.Command{
	Use:   "planner",
	Short: "Run the mission planner and operator alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		a, err := connect(ctx, cfg, logger, false)
		if err != nil {
			return err
		}
		defer a.close()

		gw, broadcaster := a.gateway(ctx)
		defer gw.Close()
		plan, err := a.planner(broadcaster)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return plan.Run(gctx, a.bus) })
		g.Go(func() error {
			return a.serveHTTP(gctx, api.Deps{Planner: plan, Gateway: gw, Broadcaster: broadcaster})
		})
		return g.Wait()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one timeout and repair sweep and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		a, err := connect(ctx, cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.close()

		_, sweeper := a.sweeper(a.coordinator())
		pass, err := sweeper.FireNow(ctx)
		if pass != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(pass)
		}
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations to the mission database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		if cfg.Bus.Driver == "memory" {
			logger.Info("memory driver has no database to migrate")
			return nil
		}
		a, err := connect(ctx, cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.close()
		return a.pg.Migrate(ctx, cfg.Server.MigrationsDir)
	},
}
