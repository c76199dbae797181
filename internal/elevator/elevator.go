// Package elevator implements the call-elevator capability: it calls a car
// to a floor through the vendor API and confirms, by polling, that the car
// arrived and stays there with the doors open.
package elevator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nidhogg/nuka-building/internal/executor"
	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/nidhogg/nuka-building/internal/vendor"
	"go.uber.org/zap"
)

// Capability is the task capability this package serves.
const Capability = "call-elevator"

// CarStatus is the vendor's view of one car.
type CarStatus struct {
	Car    string `json:"car"`
	Floor  int    `json:"floor"`
	Moving bool   `json:"moving"`
	Doors  string `json:"doors"` // "open", "closed", "opening", "closing"
}

// Arrived reports whether the car is parked at floor with its doors open.
func (s *CarStatus) Arrived(floor int) bool {
	return s.Floor == floor && !s.Moving && s.Doors == "open"
}

type callRequest struct {
	Floor     int    `json:"floor"`
	RequestID string `json:"request_id"`
}

type callResponse struct {
	CallID string `json:"call_id"`
	Car    string `json:"car"`
}

// Action calls elevators. It implements executor.Monitor and
// executor.Prechecker.
type Action struct {
	client     *vendor.Client
	defaultCar string
	logger     *zap.Logger
}

var (
	_ executor.Action     = (*Action)(nil)
	_ executor.Monitor    = (*Action)(nil)
	_ executor.Prechecker = (*Action)(nil)
)

// New creates the action. defaultCar is used when a task names no car.
func New(client *vendor.Client, defaultCar string, logger *zap.Logger) *Action {
	return &Action{client: client, defaultCar: defaultCar, logger: logger}
}

// target extracts car and floor from the task parameters.
func (a *Action) target(task *executor.Task) (string, int, error) {
	car := task.Param("car")
	if car == "" {
		car = a.defaultCar
	}
	if car == "" {
		return "", 0, executor.Persistent(fmt.Errorf("task %s: no car given and no default car configured", task.TaskID))
	}
	raw := task.Param("floor")
	if raw == "" {
		return "", 0, executor.Persistent(fmt.Errorf("task %s: floor parameter is required", task.TaskID))
	}
	floor, err := strconv.Atoi(raw)
	if err != nil {
		return "", 0, executor.Persistent(fmt.Errorf("task %s: floor %q is not an integer", task.TaskID, raw))
	}
	return car, floor, nil
}

// Status reads one car's position.
func (a *Action) Status(ctx context.Context, car string) (*CarStatus, error) {
	var st CarStatus
	if err := a.client.Do(ctx, http.MethodGet, "/cars/"+url.PathEscape(car)+"/status", "", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Execute places the hall call and asks the executor to monitor arrival.
// The request id is the task key so a re-issued call is deduplicated by the
// vendor.
func (a *Action) Execute(ctx context.Context, task *executor.Task) (*executor.Receipt, error) {
	car, floor, err := a.target(task)
	if err != nil {
		return nil, err
	}
	requestID := mission.TaskKey(task.MissionID, task.TaskID)
	var resp callResponse
	err = a.client.Do(ctx, http.MethodPost, "/cars/"+url.PathEscape(car)+"/calls", requestID,
		callRequest{Floor: floor, RequestID: requestID}, &resp)
	if err != nil {
		return nil, err
	}
	a.logger.Info("elevator called",
		zap.String("car", car),
		zap.Int("floor", floor),
		zap.String("call_id", resp.CallID),
		zap.Int("try", task.Try))
	return &executor.Receipt{
		Payload: map[string]any{"call_id": resp.CallID, "car": car, "floor": floor},
		Target:  map[string]any{"car": car, "floor": floor},
	}, nil
}

// Observe polls the car named in the monitoring target.
func (a *Action) Observe(ctx context.Context, task *executor.Task, state *mission.MonitoringState) (*executor.Observation, error) {
	car, floor, err := a.target(task)
	if err != nil {
		return nil, err
	}
	if c, ok := state.TargetCondition["car"].(string); ok && c != "" {
		car = c
	}
	st, err := a.Status(ctx, car)
	if err != nil {
		return nil, err
	}
	return &executor.Observation{
		Satisfied: st.Arrived(floor),
		Data: map[string]any{
			"car":    st.Car,
			"floor":  st.Floor,
			"moving": st.Moving,
			"doors":  st.Doors,
		},
	}, nil
}

// Satisfied reports whether the car already waits at the floor, so a
// re-delivered task does not place a second call.
func (a *Action) Satisfied(ctx context.Context, task *executor.Task) (bool, error) {
	car, floor, err := a.target(task)
	if err != nil {
		return false, err
	}
	st, err := a.Status(ctx, car)
	if err != nil {
		return false, err
	}
	return st.Arrived(floor), nil
}
