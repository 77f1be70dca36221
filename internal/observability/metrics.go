package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting gateway metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Agent requests by JSON-RPC method and outcome
//   - Policy decisions by action
//   - Approval resolutions and how long guardians took to respond
//   - Pending approval backlog and agent connection state
//   - Tool dispatch latency per upstream service tool
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordRequest("tool_request", "executed")
//	metrics.RecordDispatch("ha_turn_on", "success", time.Since(start).Seconds())
type Metrics struct {
	// RequestCounter tracks agent requests by method and outcome.
	// Labels: method (auth|tool_request|list_tools|get_pending_results),
	// outcome (executed|policy_denied|approval_denied|approval_timeout|
	// execution_failed|rate_limited|invalid|ok)
	RequestCounter *prometheus.CounterVec

	// PolicyDecisionCounter counts policy evaluations by resulting action.
	// Labels: action (allow|deny|ask)
	PolicyDecisionCounter *prometheus.CounterVec

	// ApprovalResolutionCounter counts resolved approvals.
	// Labels: resolution (approved|denied|timed_out)
	ApprovalResolutionCounter *prometheus.CounterVec

	// ApprovalWaitDuration measures how long an approval stayed pending, in seconds.
	// Labels: resolution (approved|denied|timed_out)
	// Buckets: 1s, 5s, 15s, 60s, 300s, 900s, 1800s, 3600s
	ApprovalWaitDuration *prometheus.HistogramVec

	// PendingApprovals is a gauge tracking approvals currently awaiting a guardian.
	PendingApprovals prometheus.Gauge

	// AgentConnected is a gauge that is 1 while an agent session is active, 0 otherwise.
	AgentConnected prometheus.Gauge

	// DispatchCounter counts tool dispatches to upstream services.
	// Labels: tool_name, status (success|error)
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures upstream dispatch time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	DispatchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in the server so the metrics
// show up on the /metrics endpoint; a nil registerer leaves the collectors
// unregistered, which keeps repeated construction in tests panic-free.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_agent_requests_total",
				Help: "Total number of agent requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		PolicyDecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_policy_decisions_total",
				Help: "Total number of policy decisions by action",
			},
			[]string{"action"},
		),

		ApprovalResolutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_approval_resolutions_total",
				Help: "Total number of approval resolutions by outcome",
			},
			[]string{"resolution"},
		),

		ApprovalWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_approval_wait_seconds",
				Help:    "Time approvals spent waiting for a guardian, in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"resolution"},
		),

		PendingApprovals: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_pending_approvals",
				Help: "Current number of approvals awaiting a guardian decision",
			},
		),

		AgentConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_agent_connected",
				Help: "Whether an agent WebSocket session is currently active (0 or 1)",
			},
		),

		DispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_tool_dispatches_total",
				Help: "Total number of tool dispatches by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_tool_dispatch_duration_seconds",
				Help:    "Duration of upstream tool dispatches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
	}
}

// RecordRequest increments the request counter for a method and outcome.
//
// Example:
//
//	metrics.RecordRequest("tool_request", "policy_denied")
func (m *Metrics) RecordRequest(method, outcome string) {
	m.RequestCounter.WithLabelValues(method, outcome).Inc()
}

// RecordPolicyDecision increments the decision counter for an action.
//
// Example:
//
//	metrics.RecordPolicyDecision("ask")
func (m *Metrics) RecordPolicyDecision(action string) {
	m.PolicyDecisionCounter.WithLabelValues(action).Inc()
}

// RecordApprovalResolution records a resolved approval and how long it waited.
//
// Example:
//
//	metrics.RecordApprovalResolution("approved", time.Since(requested).Seconds())
func (m *Metrics) RecordApprovalResolution(resolution string, waitSeconds float64) {
	m.ApprovalResolutionCounter.WithLabelValues(resolution).Inc()
	m.ApprovalWaitDuration.WithLabelValues(resolution).Observe(waitSeconds)
}

// SetPendingApprovals updates the pending-approval backlog gauge.
//
// Example:
//
//	metrics.SetPendingApprovals(coordinator.Count())
func (m *Metrics) SetPendingApprovals(n int) {
	m.PendingApprovals.Set(float64(n))
}

// SetAgentConnected flips the agent connection gauge.
//
// Example:
//
//	metrics.SetAgentConnected(true)
func (m *Metrics) SetAgentConnected(connected bool) {
	if connected {
		m.AgentConnected.Set(1)
	} else {
		m.AgentConnected.Set(0)
	}
}

// RecordDispatch records metrics for an upstream tool dispatch.
//
// Example:
//
//	start := time.Now()
//	// ... dispatch tool ...
//	metrics.RecordDispatch("gh_create_issue", "success", time.Since(start).Seconds())
func (m *Metrics) RecordDispatch(toolName, status string, durationSeconds float64) {
	m.DispatchCounter.WithLabelValues(toolName, status).Inc()
	m.DispatchDuration.WithLabelValues(toolName).Observe(durationSeconds)
}
