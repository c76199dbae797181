// Package config loads the JSON configuration shared by every role.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/coordinator"
	"github.com/nidhogg/nuka-building/internal/executor"
	"github.com/nidhogg/nuka-building/internal/gateway"
	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/nidhogg/nuka-building/internal/planner"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Bus         BusConfig         `json:"bus"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Executor    ExecutorConfig    `json:"executor"`
	Vendor      VendorConfig      `json:"vendor"`
	Elevator    ElevatorConfig    `json:"elevator"`
	Gateway     GatewayConfig     `json:"gateway"`
	Planner     PlannerConfig     `json:"planner"`
}

type ServerConfig struct {
	Port          int    `json:"port"`
	LogLevel      string `json:"log_level"`
	MigrationsDir string `json:"migrations_dir"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// BusConfig selects the transport. Driver "memory" runs every role in one
// process without Redis.
type BusConfig struct {
	Driver    string   `json:"driver"`
	MaxLen    int64    `json:"max_len"`
	Block     Duration `json:"block"`
	ClaimIdle Duration `json:"claim_idle"`
	Batch     int64    `json:"batch"`
}

// RedisOptions converts the section for bus.NewRedisBus.
func (c BusConfig) RedisOptions() bus.RedisOptions {
	return bus.RedisOptions{
		MaxLen:    c.MaxLen,
		Block:     c.Block.D(),
		ClaimIdle: c.ClaimIdle.D(),
		Batch:     c.Batch,
	}
}

type CoordinatorConfig struct {
	MissionTimeout      Duration `json:"mission_timeout"`
	Retention           Duration `json:"retention"`
	MaxCASRetries       int      `json:"max_cas_retries"`
	RedispatchAfter     Duration `json:"redispatch_after"`
	MaxDispatchAttempts int      `json:"max_dispatch_attempts"`
	PublishClaimTimeout Duration `json:"publish_claim_timeout"`
	SweepBatch          int      `json:"sweep_batch"`
	SweepInterval       Duration `json:"sweep_interval"`
	SweepTimeout        Duration `json:"sweep_timeout"`
}

// Coordinator converts the section; zero fields keep the coordinator defaults.
func (c CoordinatorConfig) Coordinator() coordinator.Config {
	return coordinator.Config{
		MissionTimeout:      c.MissionTimeout.D(),
		Retention:           c.Retention.D(),
		MaxCASRetries:       c.MaxCASRetries,
		RedispatchAfter:     c.RedispatchAfter.D(),
		MaxDispatchAttempts: c.MaxDispatchAttempts,
		PublishClaimTimeout: c.PublishClaimTimeout.D(),
		SweepBatch:          c.SweepBatch,
	}
}

// CapabilityConfig is the per-capability executor tuning. A negative
// confirm_window disables the confirmation window.
type CapabilityConfig struct {
	MaxAttempts      int      `json:"max_attempts"`
	BaseDelay        Duration `json:"base_delay"`
	MaxDelay         Duration `json:"max_delay"`
	JitterFactor     float64  `json:"jitter_factor"`
	RequestTimeout   Duration `json:"request_timeout"`
	FailureThreshold int      `json:"failure_threshold"`
	CoolDown         Duration `json:"cool_down"`
	PollInterval     Duration `json:"poll_interval"`
	ConfirmWindow    Duration `json:"confirm_window"`
	MonitorTimeout   Duration `json:"monitor_timeout"`
	MaxPollErrors    int      `json:"max_poll_errors"`
	Workers          int      `json:"workers"`
}

func (c CapabilityConfig) executor() executor.CapabilityConfig {
	return executor.CapabilityConfig{
		MaxAttempts:      c.MaxAttempts,
		BaseDelay:        c.BaseDelay.D(),
		MaxDelay:         c.MaxDelay.D(),
		JitterFactor:     c.JitterFactor,
		RequestTimeout:   c.RequestTimeout.D(),
		FailureThreshold: c.FailureThreshold,
		CoolDown:         c.CoolDown.D(),
		PollInterval:     c.PollInterval.D(),
		ConfirmWindow:    c.ConfirmWindow.D(),
		MonitorTimeout:   c.MonitorTimeout.D(),
		MaxPollErrors:    c.MaxPollErrors,
		Workers:          c.Workers,
	}
}

type ExecutorConfig struct {
	Default      CapabilityConfig            `json:"default"`
	Capabilities map[string]CapabilityConfig `json:"capabilities"`
	DoneTTL      Duration                    `json:"done_ttl"`
	MonitorGrace Duration                    `json:"monitor_grace"`
	LeaseGrace   Duration                    `json:"lease_grace"`
}

// Executor converts the section; zero fields inherit from default and then
// from the executor's built-in defaults.
func (c ExecutorConfig) Executor() executor.Config {
	out := executor.Config{
		Default:      c.Default.executor(),
		Capabilities: make(map[string]executor.CapabilityConfig, len(c.Capabilities)),
		DoneTTL:      c.DoneTTL.D(),
		MonitorGrace: c.MonitorGrace.D(),
		LeaseGrace:   c.LeaseGrace.D(),
	}
	for name, cc := range c.Capabilities {
		out.Capabilities[name] = cc.executor()
	}
	return out
}

// VendorConfig points the generic command capabilities at the building
// integration API.
type VendorConfig struct {
	BaseURL  string   `json:"base_url"`
	Token    string   `json:"token"`
	Timeout  Duration `json:"timeout"`
	Commands []string `json:"commands"`
}

type ElevatorConfig struct {
	Enabled    bool     `json:"enabled"`
	BaseURL    string   `json:"base_url"`
	Token      string   `json:"token"`
	DefaultCar string   `json:"default_car"`
	Timeout    Duration `json:"timeout"`
}

type GatewayConfig struct {
	Slack    SlackGatewayConfig   `json:"slack"`
	Discord  DiscordGatewayConfig `json:"discord"`
	Identity gateway.Identity     `json:"identity"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type PlannerConfig struct {
	ResultCacheSize int              `json:"result_cache_size"`
	ResultTTL       Duration         `json:"result_ttl"`
	Playbooks       []PlaybookConfig `json:"playbooks"`
}

// PlaybookConfig adds or replaces a planner playbook.
type PlaybookConfig struct {
	Action      string             `json:"action"`
	Description string             `json:"description"`
	Tasks       []mission.TaskSpec `json:"tasks"`
	Timeout     Duration           `json:"timeout"`
}

func (c PlannerConfig) Planner() planner.Config {
	return planner.Config{ResultCacheSize: c.ResultCacheSize, ResultTTL: c.ResultTTL.D()}
}

// PlaybookList converts the configured playbooks.
func (c PlannerConfig) PlaybookList() []planner.Playbook {
	out := make([]planner.Playbook, len(c.Playbooks))
	for i, p := range c.Playbooks {
		out[i] = planner.Playbook{
			Action:      p.Action,
			Description: p.Description,
			Tasks:       p.Tasks,
			Timeout:     p.Timeout.D(),
		}
	}
	return out
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config data after environment substitution.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MigrationsDir == "" {
		c.Server.MigrationsDir = "migrations"
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = "redis"
	}
	if c.Coordinator.SweepInterval == 0 {
		c.Coordinator.SweepInterval = Duration(defaultSweepInterval)
	}
	if c.Elevator.BaseURL == "" {
		c.Elevator.BaseURL = c.Vendor.BaseURL
	}
	if c.Elevator.Token == "" {
		c.Elevator.Token = c.Vendor.Token
	}
}

func (c *Config) validate() error {
	switch c.Bus.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("bus.driver %q: want redis or memory", c.Bus.Driver)
	}
	if c.Gateway.Slack.Enabled && (c.Gateway.Slack.BotToken == "" || c.Gateway.Slack.Channel == "") {
		return fmt.Errorf("gateway.slack: bot_token and channel are required when enabled")
	}
	if c.Gateway.Discord.Enabled && (c.Gateway.Discord.BotToken == "" || c.Gateway.Discord.Channel == "") {
		return fmt.Errorf("gateway.discord: bot_token and channel are required when enabled")
	}
	if c.Elevator.Enabled && c.Elevator.BaseURL == "" {
		return fmt.Errorf("elevator: base_url is required when enabled")
	}
	if len(c.Vendor.Commands) > 0 && c.Vendor.BaseURL == "" {
		return fmt.Errorf("vendor: base_url is required to serve commands")
	}
	return nil
}
