package mission

import (
	"errors"
	"fmt"
)

// ErrInvalidMission wraps every validation failure.
var ErrInvalidMission = errors.New("invalid mission")

// Validate checks the structural invariants of a mission plan: a non-empty
// task set with unique ids, known dependencies and no cycles.
func Validate(m *Mission) error {
	if m.ID == "" {
		return fmt.Errorf("%w: mission_id is required", ErrInvalidMission)
	}
	if len(m.Tasks) == 0 {
		return fmt.Errorf("%w: mission %s has no tasks", ErrInvalidMission, m.ID)
	}

	seen := make(map[string]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task without task_id", ErrInvalidMission)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: duplicate task_id %q", ErrInvalidMission, t.ID)
		}
		if t.Capability == "" {
			return fmt.Errorf("%w: task %q has no capability", ErrInvalidMission, t.ID)
		}
		seen[t.ID] = true
	}

	for _, t := range m.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrInvalidMission, t.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidMission, t.ID, dep)
			}
		}
	}

	if cycle := findCycle(m.Tasks); cycle != "" {
		return fmt.Errorf("%w: dependency cycle through task %q", ErrInvalidMission, cycle)
	}
	return nil
}

// findCycle runs a three-colour DFS and returns a task on a cycle, or "".
func findCycle(tasks []TaskSpec) string {
	const (
		white = iota
		grey
		black
	)
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}
	colour := make(map[string]int, len(tasks))

	var visit func(id string) string
	visit = func(id string) string {
		colour[id] = grey
		for _, d := range deps[id] {
			switch colour[d] {
			case grey:
				return d
			case white:
				if c := visit(d); c != "" {
					return c
				}
			}
		}
		colour[id] = black
		return ""
	}

	for _, t := range tasks {
		if colour[t.ID] == white {
			if c := visit(t.ID); c != "" {
				return c
			}
		}
	}
	return ""
}
