package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/nidhogg/nuka-building/internal/store"
	"go.uber.org/zap"
)

const capElevator = "call-elevator"

// fakeAction counts Execute calls and delegates to execute.
type fakeAction struct {
	mu      sync.Mutex
	calls   int
	execute func(try int) (*Receipt, error)
}

func (a *fakeAction) Execute(_ context.Context, task *Task) (*Receipt, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.execute == nil {
		return &Receipt{Payload: map[string]any{"ok": true}}, nil
	}
	return a.execute(task.Try)
}

func (a *fakeAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// monitoredAction asks for monitoring and answers polls from observe.
type monitoredAction struct {
	fakeAction
	pmu     sync.Mutex
	polls   int
	observe func(poll int) (*Observation, error)
}

func newMonitored(observe func(poll int) (*Observation, error)) *monitoredAction {
	a := &monitoredAction{observe: observe}
	a.execute = func(int) (*Receipt, error) {
		return &Receipt{Payload: map[string]any{"call_id": "c-1"}, Target: map[string]any{"floor": 12}}, nil
	}
	return a
}

func (a *monitoredAction) Observe(context.Context, *Task, *mission.MonitoringState) (*Observation, error) {
	a.pmu.Lock()
	a.polls++
	n := a.polls
	a.pmu.Unlock()
	return a.observe(n)
}

type precheckedAction struct {
	fakeAction
	satisfied bool
}

func (a *precheckedAction) Satisfied(context.Context, *Task) (bool, error) {
	return a.satisfied, nil
}

func testConfig() Config {
	return Config{
		Default: CapabilityConfig{
			MaxAttempts:      3,
			BaseDelay:        time.Millisecond,
			MaxDelay:         5 * time.Millisecond,
			RequestTimeout:   time.Second,
			FailureThreshold: 100,
			CoolDown:         time.Hour,
			PollInterval:     5 * time.Millisecond,
			ConfirmWindow:    40 * time.Millisecond,
			MonitorTimeout:   time.Second,
			MaxPollErrors:    3,
			Workers:          1,
		},
		DoneTTL:      time.Hour,
		MonitorGrace: time.Minute,
	}
}

func newTestExecutor(t *testing.T, a Action, cfg Config) (*Executor, *bus.MemoryBus, *store.MemoryMonitorStore) {
	t.Helper()
	reg := NewRegistry()
	reg.Register(capElevator, a)
	b := bus.NewMemoryBus(time.Millisecond, zap.NewNop())
	t.Cleanup(func() { b.Close() })
	ms := store.NewMemoryMonitorStore(nil)
	return New(reg, ms, b, cfg, nil, zap.NewNop()), b, ms
}

func taskMsg(taskID string) mission.TaskMessage {
	return mission.TaskMessage{
		MissionID:  "m-1",
		TaskID:     taskID,
		Capability: capElevator,
		Parameters: map[string]any{"floor": 12},
		Attempt:    1,
		Deadline:   time.Now().Add(time.Minute),
	}
}

func publishedResults(t *testing.T, b *bus.MemoryBus) []mission.TaskResult {
	t.Helper()
	var out []mission.TaskResult
	for _, env := range b.Messages(bus.TopicTaskResult) {
		var r mission.TaskResult
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func onlyResult(t *testing.T, b *bus.MemoryBus) mission.TaskResult {
	t.Helper()
	results := publishedResults(t, b)
	if len(results) != 1 {
		t.Fatalf("expected exactly one task result, got %d", len(results))
	}
	if results[0].DeliveryToken == "" {
		t.Error("result without delivery token")
	}
	return results[0]
}

func TestTaskSucceedsFirstTry(t *testing.T) {
	a := &fakeAction{}
	e, b, _ := newTestExecutor(t, a, testConfig())

	if err := e.HandleTask(context.Background(), taskMsg("A")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	r := onlyResult(t, b)
	if r.Outcome != mission.OutcomeSucceeded || r.MissionID != "m-1" || r.TaskID != "A" {
		t.Errorf("unexpected result: %+v", r)
	}
	if a.Calls() != 1 {
		t.Errorf("expected one call, got %d", a.Calls())
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	a := &fakeAction{execute: func(try int) (*Receipt, error) {
		if try < 3 {
			return nil, Transient(errors.New("controller busy"))
		}
		return &Receipt{}, nil
	}}
	e, b, _ := newTestExecutor(t, a, testConfig())

	e.HandleTask(context.Background(), taskMsg("A"))
	if r := onlyResult(t, b); r.Outcome != mission.OutcomeSucceeded {
		t.Fatalf("expected success on the third try, got %+v", r)
	}
	if a.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", a.Calls())
	}
}

func TestRetriesAreBounded(t *testing.T) {
	a := &fakeAction{execute: func(int) (*Receipt, error) {
		return nil, Transient(errors.New("controller busy"))
	}}
	e, b, _ := newTestExecutor(t, a, testConfig())

	e.HandleTask(context.Background(), taskMsg("A"))
	r := onlyResult(t, b)
	if r.Outcome != mission.OutcomeFailed || r.Reason == "" {
		t.Fatalf("expected failed with a reason, got %+v", r)
	}
	if a.Calls() != 3 {
		t.Errorf("expected MaxAttempts calls, got %d", a.Calls())
	}
}

func TestPersistentFailureStopsImmediately(t *testing.T) {
	a := &fakeAction{execute: func(int) (*Receipt, error) {
		return nil, Persistent(errors.New("unknown car"))
	}}
	e, b, _ := newTestExecutor(t, a, testConfig())

	e.HandleTask(context.Background(), taskMsg("A"))
	if r := onlyResult(t, b); r.Outcome != mission.OutcomeFailed {
		t.Fatalf("expected failed, got %+v", r)
	}
	if a.Calls() != 1 {
		t.Errorf("persistent error must not be retried, got %d calls", a.Calls())
	}
}

func TestOpenBreakerFailsFastWithoutCalling(t *testing.T) {
	cfg := testConfig()
	cfg.Default.MaxAttempts = 1
	cfg.Default.FailureThreshold = 2
	a := &fakeAction{execute: func(int) (*Receipt, error) {
		return nil, Transient(errors.New("vendor down"))
	}}
	e, b, _ := newTestExecutor(t, a, cfg)
	ctx := context.Background()

	e.HandleTask(ctx, taskMsg("A"))
	e.HandleTask(ctx, taskMsg("B"))
	if got := e.Breakers().Get(capElevator).State(); got != StateOpen {
		t.Fatalf("expected open breaker after 2 failures, got %s", got)
	}

	e.HandleTask(ctx, taskMsg("C"))
	if a.Calls() != 2 {
		t.Errorf("open breaker must not call the vendor, got %d calls", a.Calls())
	}
	results := publishedResults(t, b)
	if len(results) != 3 {
		t.Fatalf("every task must report, got %d results", len(results))
	}
	if last := results[2]; last.TaskID != "C" || last.Outcome != mission.OutcomeFailed || last.Reason != ReasonCircuitOpen {
		t.Errorf("unexpected short-circuit result: %+v", last)
	}
}

func TestPerCapabilityConfigOverridesDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Capabilities = map[string]CapabilityConfig{capElevator: {MaxAttempts: 1}}
	a := &fakeAction{execute: func(int) (*Receipt, error) {
		return nil, Transient(errors.New("busy"))
	}}
	e, _, _ := newTestExecutor(t, a, cfg)

	e.HandleTask(context.Background(), taskMsg("A"))
	if a.Calls() != 1 {
		t.Errorf("override not applied, got %d calls", a.Calls())
	}
	if got := e.capabilityConfig(capElevator).PollInterval; got != cfg.Default.PollInterval {
		t.Errorf("unset fields must inherit the default, got %v", got)
	}
}

func TestRedeliveredTaskRepublishesRememberedResult(t *testing.T) {
	a := &fakeAction{}
	e, b, _ := newTestExecutor(t, a, testConfig())
	ctx := context.Background()

	e.HandleTask(ctx, taskMsg("A"))
	e.HandleTask(ctx, taskMsg("A"))

	if a.Calls() != 1 {
		t.Errorf("duplicate task must not re-run the action, got %d calls", a.Calls())
	}
	results := publishedResults(t, b)
	if len(results) != 2 {
		t.Fatalf("expected the result to be re-published, got %d", len(results))
	}
	if results[0].DeliveryToken != results[1].DeliveryToken {
		t.Error("re-published result must carry the original delivery token")
	}
}

func TestTaskHeldByAnotherExecutorStaysPending(t *testing.T) {
	a := &fakeAction{}
	e, b, ms := newTestExecutor(t, a, testConfig())
	ctx := context.Background()

	ms.AcquireLease(ctx, mission.TaskKey("m-1", "A"), "other-instance", time.Minute)
	if err := e.HandleTask(ctx, taskMsg("A")); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld so the delivery is retried, got %v", err)
	}
	if a.Calls() != 0 || len(publishedResults(t, b)) != 0 {
		t.Error("leased task must be left to its holder")
	}
}

func TestCrashedHolderLeaseLapsesAndRedeliveryResumes(t *testing.T) {
	a := newMonitored(func(int) (*Observation, error) {
		return &Observation{Satisfied: true, Data: map[string]any{"floor": 12}}, nil
	})
	e, b, ms := newTestExecutor(t, a, testConfig())
	ctx := context.Background()

	msg := taskMsg("A")
	key := mission.TaskKey(msg.MissionID, msg.TaskID)
	ms.PutMonitor(ctx, &mission.MonitoringState{
		MissionID:       msg.MissionID,
		TaskID:          msg.TaskID,
		Capability:      capElevator,
		TargetCondition: map[string]any{"floor": 12},
		StartedAt:       time.Now().Add(-time.Second),
		Deadline:        time.Now().Add(time.Minute),
		TTL:             time.Minute,
	})
	// The instance that placed the call died with its lease still set.
	ms.AcquireLease(ctx, key, "crashed-instance", 30*time.Millisecond)

	if err := e.HandleTask(ctx, msg); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected the delivery to stay pending, got %v", err)
	}
	if n := len(publishedResults(t, b)); n != 0 {
		t.Fatalf("nothing may be published while the lease is held, got %d", n)
	}

	time.Sleep(50 * time.Millisecond)
	if err := e.HandleTask(ctx, msg); err != nil {
		t.Fatalf("redelivery after the lease lapsed: %v", err)
	}
	if r := onlyResult(t, b); r.Outcome != mission.OutcomeSucceeded {
		t.Errorf("expected the resumed monitor to succeed, got %+v", r)
	}
	if a.Calls() != 0 {
		t.Error("resumed task must not re-issue the call")
	}
}

func TestLostLeaseHandsTaskOver(t *testing.T) {
	var skew atomic.Int64
	ms := store.NewMemoryMonitorStore(func() time.Time {
		return time.Now().Add(time.Duration(skew.Load()))
	})
	key := mission.TaskKey("m-1", "A")
	a := newMonitored(func(poll int) (*Observation, error) {
		if poll == 2 {
			// This instance stalled long enough for its lease to lapse and
			// another instance picked the task up.
			skew.Store(int64(time.Hour))
			ms.AcquireLease(context.Background(), key, "other-instance", 2*time.Hour)
		}
		return &Observation{Satisfied: false}, nil
	})
	reg := NewRegistry()
	reg.Register(capElevator, a)
	b := bus.NewMemoryBus(time.Millisecond, zap.NewNop())
	t.Cleanup(func() { b.Close() })
	e := New(reg, ms, b, testConfig(), nil, zap.NewNop())

	err := e.HandleTask(context.Background(), taskMsg("A"))
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if n := len(publishedResults(t, b)); n != 0 {
		t.Errorf("a run that lost its lease must not report, got %d results", n)
	}
	if ok, _ := ms.AcquireLease(context.Background(), key, "third", time.Minute); ok {
		t.Error("the new holder's lease must survive the old run's release")
	}
}

func TestPrecheckSkipsSatisfiedTask(t *testing.T) {
	a := &precheckedAction{satisfied: true}
	e, b, _ := newTestExecutor(t, a, testConfig())

	e.HandleTask(context.Background(), taskMsg("A"))
	r := onlyResult(t, b)
	if r.Outcome != mission.OutcomeSucceeded || r.Reason != ReasonAlreadySatisfied {
		t.Errorf("unexpected result: %+v", r)
	}
	if a.Calls() != 0 {
		t.Error("satisfied task must not be re-issued")
	}
}

func TestExpiredTaskTimesOutWithoutCalling(t *testing.T) {
	a := &fakeAction{}
	e, b, _ := newTestExecutor(t, a, testConfig())
	msg := taskMsg("A")
	msg.Deadline = time.Now().Add(-time.Second)

	e.HandleTask(context.Background(), msg)
	if r := onlyResult(t, b); r.Outcome != mission.OutcomeTimedOut {
		t.Errorf("expected timed_out, got %+v", r)
	}
	if a.Calls() != 0 {
		t.Error("expired task must not call the vendor")
	}
}

func TestUnknownCapabilityFails(t *testing.T) {
	e, b, _ := newTestExecutor(t, &fakeAction{}, testConfig())
	msg := taskMsg("A")
	msg.Capability = "open-window"

	e.HandleTask(context.Background(), msg)
	if r := onlyResult(t, b); r.Outcome != mission.OutcomeFailed || r.Reason != ReasonUnknownCapability {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestMonitoringConfirmsStableTarget(t *testing.T) {
	a := newMonitored(func(poll int) (*Observation, error) {
		return &Observation{Satisfied: poll >= 3, Data: map[string]any{"floor": 12, "poll": poll}}, nil
	})
	e, b, ms := newTestExecutor(t, a, testConfig())

	e.HandleTask(context.Background(), taskMsg("A"))
	r := onlyResult(t, b)
	if r.Outcome != mission.OutcomeSucceeded {
		t.Fatalf("expected succeeded, got %+v", r)
	}
	held, _ := r.Payload["confirmed_for_ms"].(float64)
	if held < 40 {
		t.Errorf("success reported before the confirmation window: held %vms", held)
	}
	if _, err := ms.GetMonitor(context.Background(), mission.TaskKey("m-1", "A")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("monitoring state must be deleted on completion, got %v", err)
	}
}

func TestFlappingTargetNeverConfirmsAndTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Default.MonitorTimeout = 200 * time.Millisecond
	a := newMonitored(func(poll int) (*Observation, error) {
		// Arrives and leaves every other poll, well inside the window.
		return &Observation{Satisfied: poll%2 == 0, Data: map[string]any{"poll": poll}}, nil
	})
	e, b, _ := newTestExecutor(t, a, cfg)

	start := time.Now()
	e.HandleTask(context.Background(), taskMsg("A"))
	r := onlyResult(t, b)
	if r.Outcome != mission.OutcomeTimedOut || r.Reason != ReasonDeadline {
		t.Fatalf("expected timed_out, got %+v", r)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("timed out before the hard deadline: %v", elapsed)
	}
}

func TestFlappingThenStableSucceeds(t *testing.T) {
	a := newMonitored(func(poll int) (*Observation, error) {
		return &Observation{Satisfied: poll > 6 || poll%2 == 0}, nil
	})
	e, b, _ := newTestExecutor(t, a, testConfig())

	e.HandleTask(context.Background(), taskMsg("A"))
	r := onlyResult(t, b)
	if r.Outcome != mission.OutcomeSucceeded {
		t.Fatalf("expected succeeded, got %+v", r)
	}
	a.pmu.Lock()
	polls := a.polls
	a.pmu.Unlock()
	// Stable from poll 7; a 40ms window at 5ms polls needs several more.
	if polls < 9 {
		t.Errorf("confirmed too early, after %d polls", polls)
	}
}

func TestPollErrorsAreBounded(t *testing.T) {
	a := newMonitored(func(int) (*Observation, error) {
		return nil, Transient(errors.New("status endpoint timeout"))
	})
	e, b, _ := newTestExecutor(t, a, testConfig())

	e.HandleTask(context.Background(), taskMsg("A"))
	r := onlyResult(t, b)
	if r.Outcome != mission.OutcomeFailed || r.Reason != ReasonPollErrors {
		t.Fatalf("expected failed after poll errors, got %+v", r)
	}
	if a.polls != 4 {
		t.Errorf("expected MaxPollErrors+1 polls, got %d", a.polls)
	}
}

func TestRedeliveryResumesMonitoringWithoutReissuing(t *testing.T) {
	cfg := testConfig()
	cfg.Default.ConfirmWindow = -1
	a := newMonitored(func(int) (*Observation, error) {
		return &Observation{Satisfied: true}, nil
	})
	e, b, ms := newTestExecutor(t, a, cfg)
	ctx := context.Background()

	msg := taskMsg("A")
	ms.PutMonitor(ctx, &mission.MonitoringState{
		MissionID:       msg.MissionID,
		TaskID:          msg.TaskID,
		Capability:      capElevator,
		TargetCondition: map[string]any{"floor": 12},
		StartedAt:       time.Now().Add(-5 * time.Second),
		Deadline:        time.Now().Add(time.Minute),
		TTL:             time.Minute,
	})

	if err := e.HandleTask(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if a.Calls() != 0 {
		t.Error("resumed task must not re-issue the elevator call")
	}
	if r := onlyResult(t, b); r.Outcome != mission.OutcomeSucceeded {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestResumeRestartsConfirmationWindow(t *testing.T) {
	a := newMonitored(func(int) (*Observation, error) {
		return &Observation{Satisfied: true}, nil
	})
	e, b, ms := newTestExecutor(t, a, testConfig())
	ctx := context.Background()

	msg := taskMsg("A")
	since := time.Now().Add(-30 * time.Second)
	ms.PutMonitor(ctx, &mission.MonitoringState{
		MissionID:       msg.MissionID,
		TaskID:          msg.TaskID,
		Capability:      capElevator,
		TargetCondition: map[string]any{"floor": 12},
		StartedAt:       since,
		Deadline:        time.Now().Add(time.Minute),
		ConditionSince:  &since,
		TTL:             time.Minute,
	})

	if err := e.HandleTask(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	r := onlyResult(t, b)
	if r.Outcome != mission.OutcomeSucceeded {
		t.Fatalf("expected succeeded, got %+v", r)
	}
	held, _ := r.Payload["confirmed_for_ms"].(float64)
	if held < 40 || held > 10000 {
		t.Errorf("unobserved time counted toward the window: held %vms", held)
	}
	a.pmu.Lock()
	polls := a.polls
	a.pmu.Unlock()
	if polls < 2 {
		t.Errorf("a single poll must not confirm a resumed target, got %d polls", polls)
	}
}

func TestShutdownDuringMonitoringKeepsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newMonitored(func(poll int) (*Observation, error) {
		if poll == 2 {
			cancel()
		}
		return &Observation{Satisfied: false}, nil
	})
	e, b, ms := newTestExecutor(t, a, testConfig())

	err := e.HandleTask(ctx, taskMsg("A"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the delivery to stay pending, got %v", err)
	}
	if n := len(publishedResults(t, b)); n != 0 {
		t.Errorf("interrupted run must not report, got %d results", n)
	}
	st, err := ms.GetMonitor(context.Background(), mission.TaskKey("m-1", "A"))
	if err != nil {
		t.Fatalf("monitoring state must survive shutdown: %v", err)
	}
	if st.TargetCondition["floor"] != 12 {
		t.Errorf("unexpected persisted state: %+v", st)
	}
	if ok, _ := ms.AcquireLease(context.Background(), mission.TaskKey("m-1", "A"), "next", time.Minute); !ok {
		t.Error("lease must be released on shutdown")
	}
}

func TestRunConsumesTaskTopic(t *testing.T) {
	a := &fakeAction{}
	e, b, _ := newTestExecutor(t, a, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, b) }()

	if err := b.Publish(ctx, bus.TaskTopic(capElevator), taskMsg("A")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(b.Messages(bus.TopicTaskResult)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no result published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("run: %v", err)
	}
}
