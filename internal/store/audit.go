package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// AuditEntry is one audit_log row. Timestamps are epoch seconds in memory
// and ISO-8601 UTC text at rest; the round trip loses sub-second precision.
type AuditEntry struct {
	ID              int64          `json:"id"`
	Timestamp       float64        `json:"timestamp"`
	RequestID       string         `json:"request_id"`
	ToolName        string         `json:"tool_name"`
	Args            map[string]any `json:"args"`
	Signature       string         `json:"signature"`
	Decision        string         `json:"decision"`
	Resolution      string         `json:"resolution,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      float64        `json:"resolved_at,omitempty"`
	ExecutionResult any            `json:"execution_result,omitempty"`
	AgentID         string         `json:"agent_id"`
}

const auditColumns = "id, timestamp, request_id, tool_name, args, signature, decision, resolution, resolved_by, resolved_at, execution_result, agent_id"

// LogAudit inserts the initial audit row for a request. A zero timestamp is
// filled with the current time and a missing agent id defaults to "default".
func (s *Store) LogAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = float64(time.Now().Unix())
	}
	if entry.AgentID == "" {
		entry.AgentID = "default"
	}
	argsJSON, err := encodeArgs(entry.Args)
	if err != nil {
		return err
	}
	var resolvedAt any
	if entry.ResolvedAt > 0 {
		resolvedAt = EpochToISO(entry.ResolvedAt)
	}
	resultJSON, err := encodeResult(entry.ExecutionResult)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log
		 (timestamp, request_id, tool_name, args, signature, decision,
		  resolution, resolved_by, resolved_at, execution_result, agent_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		EpochToISO(entry.Timestamp), entry.RequestID, entry.ToolName, argsJSON,
		entry.Signature, entry.Decision, nullIfEmpty(entry.Resolution),
		nullIfEmpty(entry.ResolvedBy), resolvedAt, resultJSON, entry.AgentID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// UpdateAuditResolution records the terminal outcome on a request's audit
// row. executionResult may be any JSON-encodable value (the upstream reply
// is not always an object) or nil when nothing was executed.
func (s *Store) UpdateAuditResolution(ctx context.Context, requestID, resolution, resolvedBy string, resolvedAt float64, executionResult any) error {
	resultJSON, err := encodeResult(executionResult)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE audit_log
		 SET resolution = ?, resolved_by = ?, resolved_at = ?, execution_result = ?
		 WHERE request_id = ?`,
		resolution, resolvedBy, EpochToISO(resolvedAt), resultJSON, requestID)
	if err != nil {
		return fmt.Errorf("failed to update audit resolution: %w", err)
	}
	return nil
}

// AuditLog returns the most recent entries, newest first.
func (s *Store) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+auditColumns+" FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return collectAudit(rows)
}

// AuditFilter narrows audit queries. Zero-valued fields are ignored; From
// and To are epoch seconds compared against the stored timestamps.
type AuditFilter struct {
	ToolName   string
	Decision   string
	Resolution string
	From       *float64
	To         *float64
	Limit      int
	Offset     int
}

// AuditLogFiltered returns one page of matching entries, newest first, plus
// the total match count.
func (s *Store) AuditLogFiltered(ctx context.Context, filter AuditFilter) ([]AuditEntry, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	var conditions []string
	var params []any
	if filter.ToolName != "" {
		conditions = append(conditions, "tool_name = ?")
		params = append(params, filter.ToolName)
	}
	if filter.Decision != "" {
		conditions = append(conditions, "decision = ?")
		params = append(params, filter.Decision)
	}
	if filter.Resolution != "" {
		conditions = append(conditions, "resolution = ?")
		params = append(params, filter.Resolution)
	}
	if filter.From != nil {
		conditions = append(conditions, "timestamp >= ?")
		params = append(params, EpochToISO(*filter.From))
	}
	if filter.To != nil {
		conditions = append(conditions, "timestamp <= ?")
		params = append(params, EpochToISO(*filter.To))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log"+where, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	pageParams := append(append([]any{}, params...), filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+auditColumns+" FROM audit_log"+where+
			" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?", pageParams...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit log: %w", err)
	}
	entries, err := collectAudit(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ToolCount pairs a tool name with its request count.
type ToolCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// AuditStats summarizes the audit log for the dashboard.
type AuditStats struct {
	TotalRequests     int            `json:"total_requests"`
	Last24h           int            `json:"last_24h"`
	ApprovalRate      float64        `json:"approval_rate"`
	TopTools          []ToolCount    `json:"top_tools"`
	DecisionBreakdown map[string]int `json:"decision_breakdown"`
}

// Stats computes summary statistics over the whole audit log. The approval
// rate is approved resolutions over all ask decisions, rounded to two
// decimals.
func (s *Store) Stats(ctx context.Context) (*AuditStats, error) {
	stats := &AuditStats{}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log").Scan(&stats.TotalRequests); err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}

	cutoff := EpochToISO(float64(time.Now().Unix()) - 86400)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE timestamp >= ?", cutoff).Scan(&stats.Last24h); err != nil {
		return nil, fmt.Errorf("failed to count recent audit entries: %w", err)
	}

	breakdown, err := s.decisionBreakdown(ctx)
	if err != nil {
		return nil, err
	}
	stats.DecisionBreakdown = breakdown

	var approved int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE decision = 'ask' AND resolution = 'approved'").Scan(&approved); err != nil {
		return nil, fmt.Errorf("failed to count approvals: %w", err)
	}
	if askTotal := breakdown["ask"]; askTotal > 0 {
		stats.ApprovalRate = math.Round(float64(approved)/float64(askTotal)*100) / 100
	}

	stats.TopTools, err = s.topTools(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) decisionBreakdown(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT decision, COUNT(*) FROM audit_log GROUP BY decision")
	if err != nil {
		return nil, fmt.Errorf("failed to query decision breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := make(map[string]int)
	for rows.Next() {
		var decision string
		var count int
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, fmt.Errorf("failed to scan decision breakdown: %w", err)
		}
		breakdown[decision] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read decision breakdown: %w", err)
	}
	return breakdown, nil
}

func (s *Store) topTools(ctx context.Context) ([]ToolCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, COUNT(*) AS cnt FROM audit_log
		 WHERE tool_name != '' GROUP BY tool_name ORDER BY cnt DESC LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("failed to query top tools: %w", err)
	}
	defer rows.Close()

	var top []ToolCount
	for rows.Next() {
		var tc ToolCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan top tools: %w", err)
		}
		top = append(top, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read top tools: %w", err)
	}
	return top, nil
}

// DistinctToolNames returns the sorted set of tool names seen in the audit
// log.
func (s *Store) DistinctToolNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT tool_name FROM audit_log WHERE tool_name != '' ORDER BY tool_name")
	if err != nil {
		return nil, fmt.Errorf("failed to query tool names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan tool name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tool names: %w", err)
	}
	return names, nil
}

func collectAudit(rows *sql.Rows) ([]AuditEntry, error) {
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return out, nil
}

func scanAudit(row rowScanner) (AuditEntry, error) {
	var e AuditEntry
	var timestamp, argsJSON string
	var resolution, resolvedBy, resolvedAt, resultJSON, agentID sql.NullString
	if err := row.Scan(&e.ID, &timestamp, &e.RequestID, &e.ToolName, &argsJSON,
		&e.Signature, &e.Decision, &resolution, &resolvedBy, &resolvedAt,
		&resultJSON, &agentID); err != nil {
		return AuditEntry{}, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	e.Timestamp = ISOToEpoch(timestamp)
	if err := json.Unmarshal([]byte(argsJSON), &e.Args); err != nil {
		return AuditEntry{}, fmt.Errorf("failed to decode audit args: %w", err)
	}
	e.Resolution = resolution.String
	e.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		e.ResolvedAt = ISOToEpoch(resolvedAt.String)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &e.ExecutionResult); err != nil {
			return AuditEntry{}, fmt.Errorf("failed to decode execution result: %w", err)
		}
	}
	e.AgentID = agentID.String
	if e.AgentID == "" {
		e.AgentID = "default"
	}
	return e, nil
}

func encodeResult(result any) (any, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		return string(v), nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution result: %w", err)
	}
	return string(data), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
