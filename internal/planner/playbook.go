package planner

import (
	"fmt"
	"maps"
	"time"

	"github.com/nidhogg/nuka-building/internal/mission"
)

// Playbook turns one intention action into a fixed task graph. Intention
// params are merged over each task's template parameters.
type Playbook struct {
	Action      string             `json:"action"`
	Description string             `json:"description"`
	Tasks       []mission.TaskSpec `json:"tasks"`
	// Timeout overrides the coordinator's default mission timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Builtin returns the playbooks every planner starts with.
func Builtin() []Playbook {
	return []Playbook{
		{
			Action:      "visitor_arrival",
			Description: "Let a visitor in and bring an elevator to the lobby",
			Tasks: []mission.TaskSpec{
				{ID: "unlock", Capability: "unlock-door", Parameters: map[string]any{"door": "lobby"}},
				{ID: "elevator", Capability: "call-elevator", Parameters: map[string]any{"floor": 0}, DependsOn: []string{"unlock"}},
			},
		},
		{
			Action:      "call_elevator",
			Description: "Bring an elevator to a floor",
			Tasks: []mission.TaskSpec{
				{ID: "elevator", Capability: "call-elevator"},
			},
		},
		{
			Action:      "lockdown",
			Description: "Lock all doors and inform the security platform",
			Tasks: []mission.TaskSpec{
				{ID: "lock", Capability: "lock-doors", Parameters: map[string]any{"zone": "all"}},
				{ID: "notify", Capability: "notify-psim", Parameters: map[string]any{"event": "lockdown"}},
			},
			Timeout: 2 * time.Minute,
		},
	}
}

// validate checks the template as a mission would be checked.
func (p *Playbook) validate() error {
	if p.Action == "" {
		return fmt.Errorf("%w: playbook without action", mission.ErrInvalidMission)
	}
	return mission.Validate(&mission.Mission{ID: "playbook:" + p.Action, Tasks: p.Tasks})
}

// instantiate copies the template into concrete task specs.
func (p *Playbook) instantiate(params map[string]any) []mission.TaskSpec {
	tasks := make([]mission.TaskSpec, len(p.Tasks))
	for i, t := range p.Tasks {
		merged := make(map[string]any, len(t.Parameters)+len(params))
		maps.Copy(merged, t.Parameters)
		maps.Copy(merged, params)
		tasks[i] = mission.TaskSpec{
			ID:         t.ID,
			Capability: t.Capability,
			Parameters: merged,
			DependsOn:  append([]string(nil), t.DependsOn...),
		}
	}
	return tasks
}
