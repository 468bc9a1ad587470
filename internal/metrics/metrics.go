package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the scheduler, agent service and
// flow evaluator. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	tasksExecuted *prometheus.CounterVec
	tasksArmed    prometheus.Gauge
	agentAttempts *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	flowMatches   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "scheduler",
			Name:      "tasks_executed_total",
			Help:      "Scheduled tasks that reached a terminal state.",
		}, []string{"task_type", "status"}),
		tasksArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leadflow",
			Subsystem: "scheduler",
			Name:      "timers_armed",
			Help:      "Timers currently armed in this process.",
		}),
		agentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "agent",
			Name:      "attempts_total",
			Help:      "Remote agent call attempts by outcome.",
		}, []string{"agent", "outcome"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "agent",
			Name:      "escalations_total",
			Help:      "Alerts raised for failed agent tasks.",
		}, []string{"kind"}),
		flowMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "flows",
			Name:      "matches_total",
			Help:      "Automation flows matched by trigger.",
		}, []string{"trigger"}),
	}
	reg.MustRegister(m.tasksExecuted, m.tasksArmed, m.agentAttempts, m.escalations, m.flowMatches)
	return m
}

func (m *Metrics) TaskExecuted(taskType, status string) {
	if m == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(taskType, status).Inc()
}

func (m *Metrics) SetArmed(n int) {
	if m == nil {
		return
	}
	m.tasksArmed.Set(float64(n))
}

func (m *Metrics) AgentAttempt(agent, outcome string) {
	if m == nil {
		return
	}
	m.agentAttempts.WithLabelValues(agent, outcome).Inc()
}

func (m *Metrics) Escalation(kind string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(kind).Inc()
}

func (m *Metrics) FlowMatched(trigger string) {
	if m == nil {
		return
	}
	m.flowMatches.WithLabelValues(trigger).Inc()
}
