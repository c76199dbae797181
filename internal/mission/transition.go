package mission

import "fmt"

// validTransitions defines allowed mission status transitions.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCompleted, StatusFailed, StatusTimedOut},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusTimedOut},
}

// validTaskTransitions defines allowed task record transitions. Terminal
// states have no entry: a terminal record is never overwritten.
var validTaskTransitions = map[TaskState][]TaskState{
	TaskNotDispatched: {TaskDispatched, TaskFailed, TaskTimedOut},
	TaskDispatched:    {TaskDispatched, TaskSucceeded, TaskFailed, TaskTimedOut},
}

// Transition returns nil if from→to is a legal mission transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// TransitionTask returns nil if from→to is a legal task transition.
// dispatched→dispatched is a re-dispatch of a lost task message.
func TransitionTask(from, to TaskState) error {
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from task state %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid task transition %q → %q", from, to)
}
