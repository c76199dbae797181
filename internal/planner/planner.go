// Package planner is the Mission Planner boundary. It turns intentions into
// missions from a static playbook table and reports each finished mission
// back as an intention result.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/metrics"
	"github.com/nidhogg/nuka-building/internal/mission"
	"go.uber.org/zap"
)

var (
	ErrUnknownAction    = errors.New("no playbook for action")
	ErrInvalidIntention = errors.New("invalid intention")
	ErrDuplicateResult  = errors.New("mission result already reported")
)

// missionNamespace derives mission ids from intention ids, so a redelivered
// intention maps onto the mission that is already running.
var missionNamespace = uuid.MustParse("6f1c9a52-2b7e-4d8e-9a43-5c0f3e1d7b21")

// MissionID returns the mission id planned for intentionID.
func MissionID(intentionID string) string {
	return uuid.NewSHA1(missionNamespace, []byte(intentionID)).String()
}

// Alerter tells operators about missions that did not complete.
type Alerter interface {
	MissionAlert(ctx context.Context, r *mission.MissionResult, summary string) error
}

// Config tunes result deduplication.
type Config struct {
	ResultCacheSize int
	ResultTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = 4096
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 24 * time.Hour
	}
	return c
}

// Planner maps intentions onto missions and mission results onto
// intention results.
type Planner struct {
	mu        sync.RWMutex
	playbooks map[string]Playbook
	pub       bus.Publisher
	alerts    Alerter
	seen      *lru.Cache[string, time.Time]
	ttl       time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a planner loaded with the built-in playbooks. alerts may be nil.
func New(pub bus.Publisher, alerts Alerter, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Planner {
	cfg = cfg.withDefaults()
	seen, err := lru.New[string, time.Time](cfg.ResultCacheSize)
	if err != nil {
		panic(fmt.Sprintf("planner: result cache: %v", err))
	}
	p := &Planner{
		playbooks: make(map[string]Playbook),
		pub:       pub,
		alerts:    alerts,
		seen:      seen,
		ttl:       cfg.ResultTTL,
		now:       func() time.Time { return time.Now().UTC() },
		metrics:   m,
		logger:    logger,
	}
	for _, pb := range Builtin() {
		if err := p.Register(pb); err != nil {
			panic(fmt.Sprintf("planner: builtin playbook %s: %v", pb.Action, err))
		}
	}
	return p
}

// SetClock replaces the time source.
func (p *Planner) SetClock(now func() time.Time) { p.now = now }

// Register adds or replaces the playbook for pb.Action.
func (p *Planner) Register(pb Playbook) error {
	if err := pb.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.playbooks[pb.Action] = pb
	p.mu.Unlock()
	p.logger.Debug("registered playbook",
		zap.String("action", pb.Action),
		zap.Int("tasks", len(pb.Tasks)))
	return nil
}

// Playbooks lists the registered playbooks by action.
func (p *Planner) Playbooks() []Playbook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Playbook, 0, len(p.playbooks))
	for _, pb := range p.playbooks {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// Plan builds the mission for in without publishing it.
func (p *Planner) Plan(in *mission.Intention) (*mission.Mission, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("%w: intention_id is required", ErrInvalidIntention)
	}
	p.mu.RLock()
	pb, ok := p.playbooks[in.Payload.Action]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, in.Payload.Action)
	}

	now := p.now()
	m := &mission.Mission{
		ID:          MissionID(in.ID),
		IntentionID: in.ID,
		Tasks:       pb.instantiate(in.Payload.Params),
		CreatedAt:   now,
	}
	if pb.Timeout > 0 {
		deadline := now.Add(pb.Timeout)
		m.Deadline = &deadline
	}
	if err := mission.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// HandleIntention plans in and publishes the mission. An intention no
// playbook covers is answered right away with a failed intention result.
func (p *Planner) HandleIntention(ctx context.Context, in *mission.Intention) (*mission.Mission, error) {
	action := in.Payload.Action
	m, err := p.Plan(in)
	if err != nil {
		p.metrics.Intention(action, "rejected")
		if errors.Is(err, ErrUnknownAction) && in.ID != "" {
			reject := &mission.IntentionResult{
				IntentionID: in.ID,
				Status:      mission.StatusFailed,
				Summary:     fmt.Sprintf("No playbook handles %q.", action),
				CompletedAt: p.now(),
			}
			if perr := p.pub.Publish(ctx, bus.TopicIntentionResult, reject); perr != nil {
				return nil, fmt.Errorf("publish rejection: %w", perr)
			}
		}
		return nil, err
	}

	if err := p.pub.Publish(ctx, bus.TopicMission, m); err != nil {
		return nil, fmt.Errorf("publish mission %s: %w", m.ID, err)
	}
	p.metrics.Intention(action, "planned")
	p.logger.Info("mission planned",
		zap.String("intention", in.ID),
		zap.String("mission", m.ID),
		zap.String("action", action),
		zap.Int("tasks", len(m.Tasks)))
	return m, nil
}

// HandleMissionResult publishes the intention result for r once and alerts
// operators when the mission failed or timed out. Repeats of an already
// reported mission return ErrDuplicateResult.
func (p *Planner) HandleMissionResult(ctx context.Context, r *mission.MissionResult) (*mission.IntentionResult, error) {
	if r.MissionID == "" {
		return nil, fmt.Errorf("%w: mission result without mission_id", ErrInvalidIntention)
	}
	if at, ok := p.seen.Get(r.MissionID); ok && p.now().Sub(at) < p.ttl {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateResult, r.MissionID)
	}

	summary := Summarize(r)
	res := &mission.IntentionResult{
		IntentionID:  r.IntentionID,
		MissionID:    r.MissionID,
		Status:       r.Status,
		Summary:      summary,
		TaskOutcomes: r.TaskOutcomes,
		CompletedAt:  r.CompletedAt,
	}
	if err := p.pub.Publish(ctx, bus.TopicIntentionResult, res); err != nil {
		return nil, fmt.Errorf("publish intention result %s: %w", r.IntentionID, err)
	}
	p.seen.Add(r.MissionID, p.now())

	p.logger.Info("mission reported",
		zap.String("mission", r.MissionID),
		zap.String("intention", r.IntentionID),
		zap.String("status", string(r.Status)))

	if p.alerts != nil && (r.Status == mission.StatusFailed || r.Status == mission.StatusTimedOut) {
		if err := p.alerts.MissionAlert(ctx, r, summary); err != nil {
			p.logger.Warn("operator alert failed", zap.String("mission", r.MissionID), zap.Error(err))
		}
	}
	return res, nil
}

// Summarize renders a one-paragraph account of a mission result.
func Summarize(r *mission.MissionResult) string {
	ids := make([]string, 0, len(r.TaskOutcomes))
	for id := range r.TaskOutcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var ok int
	var problems []string
	for _, id := range ids {
		switch o := r.TaskOutcomes[id]; o {
		case mission.OutcomeSucceeded:
			ok++
		default:
			line := fmt.Sprintf("%s %s", id, o)
			if reason := r.Reasons[id]; reason != "" {
				line += " (" + reason + ")"
			}
			problems = append(problems, line)
		}
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "Mission %s: %d of %d tasks succeeded.", r.Status, ok, len(ids))
	if len(problems) > 0 {
		fmt.Fprintf(&buf, " %s.", strings.Join(problems, "; "))
	}
	return buf.String()
}
