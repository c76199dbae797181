package mission

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Mission.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// TaskState tracks a task inside the coordinator's mission record.
type TaskState string

const (
	TaskNotDispatched TaskState = "not_dispatched"
	TaskDispatched    TaskState = "dispatched"
	TaskSucceeded     TaskState = "succeeded"
	TaskFailed        TaskState = "failed"
	TaskTimedOut      TaskState = "timed_out"
)

// Terminal reports whether the task state is write-once final.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskTimedOut
}

// Outcome is the terminal verdict an executor reports for a task.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeTimedOut
}

// TaskState maps an outcome onto the matching terminal task state.
func (o Outcome) TaskState() TaskState {
	switch o {
	case OutcomeSucceeded:
		return TaskSucceeded
	case OutcomeTimedOut:
		return TaskTimedOut
	default:
		return TaskFailed
	}
}

// Intention is the validated user request handed over by the Persona.
type Intention struct {
	ID        string        `json:"intention_id"`
	UserID    string        `json:"user_id"`
	Payload   IntentPayload `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

// IntentPayload is the structured part of an intention the planner understands.
type IntentPayload struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// TaskSpec is one node of a mission's task graph.
type TaskSpec struct {
	ID         string         `json:"task_id"`
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
}

// Mission is the plan published on the mission topic.
type Mission struct {
	ID          string     `json:"mission_id"`
	IntentionID string     `json:"intention_id"`
	Tasks       []TaskSpec `json:"tasks"`
	CreatedAt   time.Time  `json:"created_at"`
	// Deadline overrides the coordinator's default mission timeout when set.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Task returns the spec for id.
func (m *Mission) Task(id string) (TaskSpec, bool) {
	for _, t := range m.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// ResultSummary is the part of a TaskResult kept on the task record.
type ResultSummary struct {
	Outcome     Outcome        `json:"outcome"`
	Payload     map[string]any `json:"payload,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// TaskRecord is the coordinator's view of one task.
type TaskRecord struct {
	TaskID         string         `json:"task_id"`
	State          TaskState      `json:"state"`
	AttemptCount   int            `json:"attempt_count"`
	LastResult     *ResultSummary `json:"last_result,omitempty"`
	DispatchedAt   *time.Time     `json:"dispatched_at,omitempty"`
	TerminalAt     *time.Time     `json:"terminal_at,omitempty"`
	DeliveryTokens []string       `json:"delivery_tokens,omitempty"`
}

// SeenToken reports whether token was already applied to this task.
func (r *TaskRecord) SeenToken(token string) bool {
	for _, t := range r.DeliveryTokens {
		if t == token {
			return true
		}
	}
	return false
}

// State is the authoritative, versioned mission record owned by the coordinator.
type State struct {
	Mission           Mission                `json:"mission"`
	Status            Status                 `json:"status"`
	Records           map[string]*TaskRecord `json:"records"`
	Deadline          time.Time              `json:"deadline"`
	Version           int64                  `json:"version"`
	UpdatedAt         time.Time              `json:"updated_at"`
	TerminalAt        *time.Time             `json:"terminal_at,omitempty"`
	ExpiresAt         *time.Time             `json:"expires_at,omitempty"`
	ResultClaimedAt   *time.Time             `json:"result_claimed_at,omitempty"`
	ResultPublishedAt *time.Time             `json:"result_published_at,omitempty"`
}

// NewState builds the initial record: every task not_dispatched, status pending.
func NewState(m Mission, deadline, now time.Time) *State {
	records := make(map[string]*TaskRecord, len(m.Tasks))
	for _, t := range m.Tasks {
		records[t.ID] = &TaskRecord{TaskID: t.ID, State: TaskNotDispatched}
	}
	return &State{
		Mission:   m,
		Status:    StatusPending,
		Records:   records,
		Deadline:  deadline,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so a failed conditional write never leaks
// half-applied changes into the next attempt.
func (s *State) Clone() *State {
	data, err := json.Marshal(s)
	if err != nil {
		panic("mission: clone state: " + err.Error())
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		panic("mission: clone state: " + err.Error())
	}
	return &out
}

// Outcomes returns task_id → outcome for every terminal task.
func (s *State) Outcomes() map[string]Outcome {
	out := make(map[string]Outcome, len(s.Records))
	for id, r := range s.Records {
		switch r.State {
		case TaskSucceeded:
			out[id] = OutcomeSucceeded
		case TaskFailed:
			out[id] = OutcomeFailed
		case TaskTimedOut:
			out[id] = OutcomeTimedOut
		}
	}
	return out
}

// TaskMessage is published on the per-capability task topic.
type TaskMessage struct {
	MissionID  string         `json:"mission_id"`
	TaskID     string         `json:"task_id"`
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Attempt    int            `json:"attempt"`
	// Deadline is the mission deadline; executors never monitor past it.
	Deadline time.Time `json:"deadline"`
}

// TaskResult is an executor's single terminal report for a task.
type TaskResult struct {
	MissionID     string         `json:"mission_id"`
	TaskID        string         `json:"task_id"`
	Outcome       Outcome        `json:"outcome"`
	Payload       map[string]any `json:"payload,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	DeliveryToken string         `json:"delivery_token"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// MissionResult is published exactly once per mission.
type MissionResult struct {
	MissionID    string             `json:"mission_id"`
	IntentionID  string             `json:"intention_id,omitempty"`
	Status       Status             `json:"status"`
	TaskOutcomes map[string]Outcome `json:"task_outcomes"`
	Reasons      map[string]string  `json:"reasons,omitempty"`
	CompletedAt  time.Time          `json:"completed_at"`
}

// IntentionResult is the planner's synthesis handed back to the Persona.
type IntentionResult struct {
	IntentionID  string             `json:"intention_id"`
	MissionID    string             `json:"mission_id"`
	Status       Status             `json:"status"`
	Summary      string             `json:"summary"`
	TaskOutcomes map[string]Outcome `json:"task_outcomes"`
	CompletedAt  time.Time          `json:"completed_at"`
}

// MonitoringState is owned by the executor while it polls an external system
// for confirmation. It is keyed by MissionID/TaskID and expires on its own.
type MonitoringState struct {
	MissionID       string         `json:"mission_id"`
	TaskID          string         `json:"task_id"`
	Capability      string         `json:"capability"`
	TargetCondition map[string]any `json:"target_condition,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	Deadline        time.Time      `json:"deadline"`
	RetryCount      int            `json:"retry_count"`
	LastObservation map[string]any `json:"last_observation,omitempty"`
	// ConditionSince is when the target condition started holding without
	// interruption; nil while it does not hold.
	ConditionSince *time.Time    `json:"condition_since,omitempty"`
	TTL            time.Duration `json:"ttl"`
}

// Key identifies a task across missions.
func (m *MonitoringState) Key() string {
	return TaskKey(m.MissionID, m.TaskID)
}

// TaskKey builds the store key for a task; task ids are only unique per mission.
func TaskKey(missionID, taskID string) string {
	return missionID + "/" + taskID
}
