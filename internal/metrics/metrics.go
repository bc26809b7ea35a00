// Package metrics defines the Prometheus collectors exported on /metrics.
// All methods are safe to call on a nil *Metrics so components can be
// constructed without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeStale   = "stale"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	agentCalls        *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec
	missingReplies    prometheus.Counter
	activeSessions    prometheus.Gauge

	timerActions  *prometheus.CounterVec
	timerFires    *prometheus.CounterVec
	pendingTimers prometheus.Gauge

	serviceCalls *prometheus.CounterVec
}

// New creates the collectors under namespace and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		agentCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_calls_total",
				Help:      "Webhook calls made by conversation agents",
			},
			[]string{"agent", "outcome"},
		),
		agentCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_call_duration_seconds",
				Help:      "Duration of webhook calls",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"agent"},
		),
		missingReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_missing_reply_total",
				Help:      "Webhook responses without a reply field",
			},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Conversation sessions held in memory",
			},
		),
		timerActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timer_actions_total",
				Help:      "schedule_action requests by action",
			},
			[]string{"action"},
		),
		timerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timer_fires_total",
				Help:      "Timer expirations by outcome",
			},
			[]string{"outcome"},
		),
		pendingTimers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "timers_pending",
				Help:      "Timers waiting to fire",
			},
		),
		serviceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_calls_total",
				Help:      "Host service calls by service and outcome",
			},
			[]string{"service", "outcome"},
		),
	}

	reg.MustRegister(
		m.agentCalls,
		m.agentCallDuration,
		m.missingReplies,
		m.activeSessions,
		m.timerActions,
		m.timerFires,
		m.pendingTimers,
		m.serviceCalls,
	)

	return m
}

// ObserveAgentCall records one webhook call.
func (m *Metrics) ObserveAgentCall(agent string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.agentCalls.WithLabelValues(agent, outcome).Inc()
	m.agentCallDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// MissingReply counts a webhook response that lacked the reply field.
func (m *Metrics) MissingReply() {
	if m == nil {
		return
	}
	m.missingReplies.Inc()
}

// SetActiveSessions updates the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// TimerAction counts a schedule_action request.
func (m *Metrics) TimerAction(action string) {
	if m == nil {
		return
	}
	m.timerActions.WithLabelValues(action).Inc()
}

// TimerFired counts a timer expiration. outcome is one of the Outcome constants.
func (m *Metrics) TimerFired(outcome string) {
	if m == nil {
		return
	}
	m.timerFires.WithLabelValues(outcome).Inc()
}

// SetPendingTimers updates the pending timer gauge.
func (m *Metrics) SetPendingTimers(n int) {
	if m == nil {
		return
	}
	m.pendingTimers.Set(float64(n))
}

// ServiceCall counts a call dispatched through the service registry.
func (m *Metrics) ServiceCall(service string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.serviceCalls.WithLabelValues(service, outcome).Inc()
}
