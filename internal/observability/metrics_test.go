package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.RecordRequest("tool_request", "executed")
	metrics.RecordPolicyDecision("ask")
	metrics.RecordApprovalResolution("approved", 42.0)
	metrics.SetPendingApprovals(3)
	metrics.SetAgentConnected(true)
	metrics.RecordDispatch("ha_turn_on", "success", 0.2)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	found := make(map[string]bool, len(families))
	for _, f := range families {
		found[f.GetName()] = true
	}

	for _, name := range []string{
		"toolgate_agent_requests_total",
		"toolgate_policy_decisions_total",
		"toolgate_approval_resolutions_total",
		"toolgate_approval_wait_seconds",
		"toolgate_pending_approvals",
		"toolgate_agent_connected",
		"toolgate_tool_dispatches_total",
		"toolgate_tool_dispatch_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestRecordRequest(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordRequest("tool_request", "executed")
	metrics.RecordRequest("tool_request", "executed")
	metrics.RecordRequest("tool_request", "policy_denied")
	metrics.RecordRequest("list_tools", "ok")

	expected := `
		# HELP toolgate_agent_requests_total Total number of agent requests by method and outcome
		# TYPE toolgate_agent_requests_total counter
		toolgate_agent_requests_total{method="list_tools",outcome="ok"} 1
		toolgate_agent_requests_total{method="tool_request",outcome="executed"} 2
		toolgate_agent_requests_total{method="tool_request",outcome="policy_denied"} 1
	`
	if err := testutil.CollectAndCompare(metrics.RequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordPolicyDecision(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordPolicyDecision("allow")
	metrics.RecordPolicyDecision("allow")
	metrics.RecordPolicyDecision("deny")
	metrics.RecordPolicyDecision("ask")

	expected := `
		# HELP toolgate_policy_decisions_total Total number of policy decisions by action
		# TYPE toolgate_policy_decisions_total counter
		toolgate_policy_decisions_total{action="allow"} 2
		toolgate_policy_decisions_total{action="ask"} 1
		toolgate_policy_decisions_total{action="deny"} 1
	`
	if err := testutil.CollectAndCompare(metrics.PolicyDecisionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordApprovalResolution(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordApprovalResolution("approved", 12.5)
	metrics.RecordApprovalResolution("timed_out", 900.0)

	if count := testutil.CollectAndCount(metrics.ApprovalResolutionCounter); count != 2 {
		t.Errorf("expected 2 resolution label combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(metrics.ApprovalWaitDuration); count != 2 {
		t.Errorf("expected 2 wait histogram series, got %d", count)
	}
}

func TestGauges(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.SetPendingApprovals(5)
	if got := testutil.ToFloat64(metrics.PendingApprovals); got != 5 {
		t.Errorf("PendingApprovals = %v, want 5", got)
	}

	metrics.SetPendingApprovals(0)
	if got := testutil.ToFloat64(metrics.PendingApprovals); got != 0 {
		t.Errorf("PendingApprovals = %v, want 0", got)
	}

	metrics.SetAgentConnected(true)
	if got := testutil.ToFloat64(metrics.AgentConnected); got != 1 {
		t.Errorf("AgentConnected = %v, want 1", got)
	}

	metrics.SetAgentConnected(false)
	if got := testutil.ToFloat64(metrics.AgentConnected); got != 0 {
		t.Errorf("AgentConnected = %v, want 0", got)
	}
}

func TestRecordDispatch(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordDispatch("ha_turn_on", "success", 0.05)
	metrics.RecordDispatch("ha_turn_on", "success", 0.20)
	metrics.RecordDispatch("gh_create_issue", "error", 1.5)

	expected := `
		# HELP toolgate_tool_dispatches_total Total number of tool dispatches by tool name and status
		# TYPE toolgate_tool_dispatches_total counter
		toolgate_tool_dispatches_total{status="error",tool_name="gh_create_issue"} 1
		toolgate_tool_dispatches_total{status="success",tool_name="ha_turn_on"} 2
	`
	if err := testutil.CollectAndCompare(metrics.DispatchCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestNewMetricsNilRegisterer(t *testing.T) {
	// A nil registerer must still produce usable collectors.
	metrics := NewMetrics(nil)
	metrics.RecordRequest("auth", "ok")
	metrics.SetAgentConnected(true)

	if got := testutil.ToFloat64(metrics.AgentConnected); got != 1 {
		t.Errorf("AgentConnected = %v, want 1", got)
	}
}
