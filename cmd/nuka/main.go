package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-building/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nuka",
	Short: "Building automation mission orchestrator",
	Long: `nuka turns intentions into missions, dispatches their tasks to capability
executors over a message bus and reports exactly one result per mission.
Each subcommand runs one role; serve runs all of them in one process.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		if configPath == "" {
			configPath = os.Getenv("CONFIG_PATH")
		}
		if configPath == "" {
			configPath = "configs/nuka.json"
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Server.LogLevel)
		if err != nil {
			return err
		}
		logger.Info("config loaded", zap.String("path", configPath), zap.String("role", cmd.Name()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CONFIG_PATH or configs/nuka.json)")
	rootCmd.AddCommand(serveCmd, coordinatorCmd, executorCmd, plannerCmd, sweepCmd, migrateCmd)
}

// newLogger returns a development logger for "debug" and a JSON production
// logger at the given level otherwise.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("server.log_level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
