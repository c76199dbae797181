// Package metrics exposes Prometheus collectors for mission orchestration.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nuka"

// Metrics groups the collectors shared by the coordinator and executors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	missionsStarted  prometheus.Counter
	missionsFinished *prometheus.CounterVec
	tasksDispatched  *prometheus.CounterVec
	resultsApplied   *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	casConflicts     prometheus.Counter
	taskDuration     *prometheus.HistogramVec
	executorAttempts *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	monitorsActive   prometheus.Gauge
	sweepRuns        prometheus.Counter
	intentions       *prometheus.CounterVec
	alerts           *prometheus.CounterVec
}

// register adds c to reg, reusing an identical collector registered earlier
// (several components in one process share the default registry).
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// MustNew registers all collectors on reg. A nil reg means the default registry.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		missionsStarted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "missions_started_total",
			Help: "Missions accepted for the first time.",
		})),
		missionsFinished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "missions_finished_total",
			Help: "Mission results published, by final status.",
		}, []string{"status"})),
		tasksDispatched: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "tasks_dispatched_total",
			Help: "Task messages published, by capability.",
		}, []string{"capability"})),
		resultsApplied: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "task_results_applied_total",
			Help: "Task results applied to mission state, by outcome.",
		}, []string{"outcome"})),
		duplicates: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "duplicates_discarded_total",
			Help: "Messages discarded as duplicates, by kind.",
		}, []string{"kind"})),
		casConflicts: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "cas_conflicts_total",
			Help: "Conditional writes that lost a race and were retried.",
		})),
		taskDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor", Name: "task_duration_seconds",
			Help:    "Time from task receipt to terminal result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability", "outcome"})),
		executorAttempts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "attempts_total",
			Help: "External calls attempted, by capability and result.",
		}, []string{"capability", "result"})),
		breakerState: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "executor", Name: "circuit_state",
			Help: "Circuit breaker state per capability (0 closed, 1 open, 2 half-open).",
		}, []string{"capability"})),
		monitorsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "executor", Name: "monitors_active",
			Help: "Monitoring loops currently polling an external system.",
		})),
		sweepRuns: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "sweeps_total",
			Help: "Timeout sweeps executed.",
		})),
		intentions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "planner", Name: "intentions_total",
			Help: "Intentions handled, by action and result (planned, rejected).",
		}, []string{"action", "result"})),
		alerts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "alerts_total",
			Help: "Operator alerts sent, by platform and result.",
		}, []string{"platform", "result"})),
	}
}

func (m *Metrics) MissionStarted() {
	if m == nil {
		return
	}
	m.missionsStarted.Inc()
}

func (m *Metrics) MissionFinished(status string) {
	if m == nil {
		return
	}
	m.missionsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskDispatched(capability string) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(capability).Inc()
}

func (m *Metrics) ResultApplied(outcome string) {
	if m == nil {
		return
	}
	m.resultsApplied.WithLabelValues(outcome).Inc()
}

// Duplicate counts a discarded message by kind (mission, task, task_result,
// mission_result).
func (m *Metrics) Duplicate(kind string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(kind).Inc()
}

func (m *Metrics) CASConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) ObserveTask(capability, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(capability, outcome).Observe(d.Seconds())
}

func (m *Metrics) Attempt(capability, result string) {
	if m == nil {
		return
	}
	m.executorAttempts.WithLabelValues(capability, result).Inc()
}

func (m *Metrics) BreakerState(capability string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(capability).Set(float64(state))
}

func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.monitorsActive.Inc()
}

func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.monitorsActive.Dec()
}

func (m *Metrics) Sweep() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

func (m *Metrics) Intention(action, result string) {
	if m == nil {
		return
	}
	m.intentions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Alert(platform string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.alerts.WithLabelValues(platform, result).Inc()
}
