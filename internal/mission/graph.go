package mission

import "sort"

// Eligible returns the ids of not_dispatched tasks whose dependencies have
// all succeeded, in plan order.
func (s *State) Eligible() []string {
	var out []string
	for _, t := range s.Mission.Tasks {
		rec := s.Records[t.ID]
		if rec == nil || rec.State != TaskNotDispatched {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if d := s.Records[dep]; d == nil || d.State != TaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t.ID)
		}
	}
	return out
}

// Blocked returns not_dispatched tasks that can never become eligible because
// a direct dependency ended in failed or timed_out. Applying the result and
// calling Blocked again walks the chain transitively.
func (s *State) Blocked() map[string]string {
	out := make(map[string]string)
	for _, t := range s.Mission.Tasks {
		rec := s.Records[t.ID]
		if rec == nil || rec.State != TaskNotDispatched {
			continue
		}
		for _, dep := range t.DependsOn {
			d := s.Records[dep]
			if d != nil && (d.State == TaskFailed || d.State == TaskTimedOut) {
				out[t.ID] = dep
				break
			}
		}
	}
	return out
}

// AllTerminal reports whether every task reached a terminal state.
func (s *State) AllTerminal() bool {
	for _, r := range s.Records {
		if !r.State.Terminal() {
			return false
		}
	}
	return true
}

// Aggregate computes the final status once all tasks are terminal:
// completed iff every task succeeded.
func (s *State) Aggregate() Status {
	for _, r := range s.Records {
		if r.State != TaskSucceeded {
			return StatusFailed
		}
	}
	return StatusCompleted
}

// Outstanding returns the ids of non-terminal tasks, sorted.
func (s *State) Outstanding() []string {
	var out []string
	for id, r := range s.Records {
		if !r.State.Terminal() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
