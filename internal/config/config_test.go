package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "nuka.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Driver == "" || cfg.Server.Port == 0 {
		t.Errorf("defaults missing: %+v", cfg.Server)
	}
	ec := cfg.Executor.Executor()
	elevator, ok := ec.Capabilities["call-elevator"]
	if !ok {
		t.Fatal("call-elevator override missing")
	}
	if elevator.ConfirmWindow != 3*time.Second || elevator.MonitorTimeout != 2*time.Minute {
		t.Errorf("unexpected elevator tuning: %+v", elevator)
	}
	if ec.Default.BaseDelay != 500*time.Millisecond || ec.Default.JitterFactor != 0.25 {
		t.Errorf("unexpected default tuning: %+v", ec.Default)
	}
	if cfg.Coordinator.Coordinator().MaxDispatchAttempts != 3 {
		t.Error("coordinator section not converted")
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("NUKA_TEST_DSN", "postgres://db/x")
	cfg, err := Parse([]byte(`{
		"database": {"postgres": {"dsn": "${NUKA_TEST_DSN}"}, "redis": {"url": "${NUKA_TEST_UNSET:redis://fallback}"}},
		"server": {"port": ${NUKA_TEST_PORT:9000}}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://db/x" {
		t.Errorf("dsn = %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Redis.URL != "redis://fallback" {
		t.Errorf("redis = %q", cfg.Database.Redis.URL)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"vendor": {"base_url": "http://vendor", "token": "t"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.LogLevel != "info" || cfg.Bus.Driver != "redis" {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Server, cfg.Bus)
	}
	if cfg.Coordinator.SweepInterval.D() != defaultSweepInterval {
		t.Errorf("sweep interval = %v", cfg.Coordinator.SweepInterval.D())
	}
	if cfg.Elevator.BaseURL != "http://vendor" || cfg.Elevator.Token != "t" {
		t.Errorf("elevator must inherit the vendor endpoint: %+v", cfg.Elevator)
	}
}

func TestDurations(t *testing.T) {
	cfg, err := Parse([]byte(`{"coordinator": {"mission_timeout": "90s", "retention": 3600, "redispatch_after": null}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cc := cfg.Coordinator.Coordinator()
	if cc.MissionTimeout != 90*time.Second || cc.Retention != time.Hour || cc.RedispatchAfter != 0 {
		t.Errorf("unexpected durations: %+v", cc)
	}

	if _, err := Parse([]byte(`{"coordinator": {"mission_timeout": "soon"}}`)); err == nil {
		t.Error("expected error for an invalid duration")
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"bus driver":      `{"bus": {"driver": "kafka"}}`,
		"slack channel":   `{"gateway": {"slack": {"enabled": true, "bot_token": "x"}}}`,
		"discord token":   `{"gateway": {"discord": {"enabled": true, "channel": "1"}}}`,
		"elevator url":    `{"elevator": {"enabled": true}}`,
		"vendor commands": `{"vendor": {"commands": ["lock-doors"]}}`,
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestPlaybookList(t *testing.T) {
	cfg, err := Parse([]byte(`{"planner": {"playbooks": [
		{"action": "fire_alarm", "timeout": "30s", "tasks": [
			{"task_id": "unlock", "capability": "unlock-door", "parameters": {"door": "all"}},
			{"task_id": "notify", "capability": "notify-psim", "depends_on": ["unlock"]}
		]}
	]}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pbs := cfg.Planner.PlaybookList()
	if len(pbs) != 1 || pbs[0].Timeout != 30*time.Second || len(pbs[0].Tasks[1].DependsOn) != 1 {
		t.Errorf("unexpected playbooks: %+v", pbs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
}
