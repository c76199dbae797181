package gateway

import (
	"context"
	"time"
)

// Adapter delivers operator alerts to one chat platform.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Notify(ctx context.Context, alert *Alert) error
	Status() AdapterStatus
	Close() error
}

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a message for building operators, typically about a mission
// that failed or ran out of time.
type Alert struct {
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	MissionID   string    `json:"mission_id,omitempty"`
	IntentionID string    `json:"intention_id,omitempty"`
	RaisedAt    time.Time `json:"raised_at"`
	// Platforms restricts delivery; empty means every registered adapter.
	Platforms []string `json:"platforms,omitempty"`
}

// AdapterStatus is reported by GET /api/gateway/status.
type AdapterStatus struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Channel     string     `json:"channel,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Identity controls how the bot presents itself where the platform allows it.
type Identity struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
	Emoji   string `json:"emoji"` // fallback if no icon_url, e.g. ":rotating_light:"
}
