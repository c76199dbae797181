package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-building/internal/mission"
	"go.uber.org/zap"
)

const historyLimit = 200

// AlertRecord tracks a sent alert for history.
type AlertRecord struct {
	Alert   *Alert    `json:"alert"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
	Error   string    `json:"error,omitempty"`
}

// Broadcaster raises operator alerts through the Gateway and keeps a short
// history of what was sent.
type Broadcaster struct {
	gateway *Gateway
	mu      sync.Mutex
	history []AlertRecord
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster backed by the given gateway.
func NewBroadcaster(gw *Gateway, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		gateway: gw,
		logger:  logger,
	}
}

// Send delivers alert to all or selected platforms.
func (b *Broadcaster) Send(ctx context.Context, alert *Alert) error {
	if alert.Title == "" {
		return errors.New("alert title is required")
	}
	if alert.Severity == "" {
		alert.Severity = SeverityWarning
	}
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}

	b.logger.Info("raising operator alert",
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title),
		zap.String("mission", alert.MissionID),
	)

	targets, err := b.gateway.Broadcast(ctx, alert)
	rec := AlertRecord{Alert: alert, SentAt: time.Now().UTC(), Targets: targets}
	if err != nil {
		rec.Error = err.Error()
	}

	b.mu.Lock()
	b.history = append(b.history, rec)
	if over := len(b.history) - historyLimit; over > 0 {
		b.history = append([]AlertRecord(nil), b.history[over:]...)
	}
	b.mu.Unlock()
	return err
}

// MissionAlert announces a mission that did not complete.
func (b *Broadcaster) MissionAlert(ctx context.Context, r *mission.MissionResult, summary string) error {
	severity := SeverityWarning
	if r.Status == mission.StatusTimedOut {
		severity = SeverityCritical
	}
	return b.Send(ctx, &Alert{
		Severity:    severity,
		Title:       fmt.Sprintf("Mission %s %s", r.MissionID, r.Status),
		Content:     summary + reasonLines(r.Reasons),
		MissionID:   r.MissionID,
		IntentionID: r.IntentionID,
	})
}

func reasonLines(reasons map[string]string) string {
	if len(reasons) == 0 {
		return ""
	}
	ids := make([]string, 0, len(reasons))
	for id := range reasons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var buf strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&buf, "\n- %s: %s", id, reasons[id])
	}
	return buf.String()
}

// History returns the most recent alert records, oldest first.
func (b *Broadcaster) History(limit int) []AlertRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]AlertRecord, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}
