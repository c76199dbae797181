package executor

import "fmt"

// Phase is a position in one task run.
type Phase string

const (
	PhaseReceived   Phase = "received"
	PhaseAttempting Phase = "attempting"
	PhaseMonitoring Phase = "monitoring"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseTimedOut   Phase = "timed_out"
)

// validPhases lists the allowed moves. Resuming a persisted monitor goes
// straight from received to monitoring; a precheck or an expired deadline
// finishes from received.
var validPhases = map[Phase][]Phase{
	PhaseReceived:   {PhaseAttempting, PhaseMonitoring, PhaseSucceeded, PhaseFailed, PhaseTimedOut},
	PhaseAttempting: {PhaseSucceeded, PhaseMonitoring, PhaseFailed, PhaseTimedOut},
	PhaseMonitoring: {PhaseSucceeded, PhaseFailed, PhaseTimedOut},
}

func transition(from, to Phase) error {
	for _, p := range validPhases[from] {
		if p == to {
			return nil
		}
	}
	return fmt.Errorf("invalid executor transition %q → %q", from, to)
}

// Terminal reports whether p ends the run.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseTimedOut
}
