package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"agentgate/internal/policy"
)

// Request is one audited authorization decision. Argument values are stored
// redacted only; the hashes carry the full-fidelity identity of the call.
type Request struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id,omitempty"`
	UpstreamID  string `json:"upstream_id,omitempty"`
	ToolName    string `json:"tool_name"`

	ActionClass policy.ActionClass `json:"action_class,omitempty"`
	RiskLevel   policy.RiskLevel   `json:"risk_level,omitempty"`
	RiskFlags   policy.RiskFlags   `json:"risk_flags"`
	Resource    policy.Resource    `json:"resource"`

	ArgsRedacted map[string]any    `json:"args_redacted,omitempty"`
	ArgsMeta     map[string]string `json:"args_meta,omitempty"`
	ArgsHash     string            `json:"args_hash"`
	RequestHash  string            `json:"request_hash"`

	Decision       policy.Outcome `json:"decision"`
	Reason         string         `json:"reason,omitempty"`
	MatchedRuleID  string         `json:"matched_rule_id,omitempty"`
	MatchedLeaseID string         `json:"matched_lease_id,omitempty"`
	ApprovalID     string         `json:"approval_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RecordRequest inserts an audit record, assigning an id when empty.
func (s *Store) RecordRequest(ctx context.Context, r *Request) error {
	if r.ID == "" {
		r.ID = NewID("req")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	flagsJSON, _ := json.Marshal(r.RiskFlags)
	resourceJSON, _ := json.Marshal(r.Resource)
	argsJSON, _ := json.Marshal(r.ArgsRedacted)
	metaJSON, _ := json.Marshal(r.ArgsMeta)

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO requests (
			id, workspace_id, agent_id, upstream_id, tool_name,
			action_class, risk_level, risk_flags, resource,
			args_redacted, args_meta, args_hash, request_hash,
			decision, reason, matched_rule_id, matched_lease_id, approval_id,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		r.ID, r.WorkspaceID, r.AgentID, r.UpstreamID, r.ToolName,
		string(r.ActionClass), string(r.RiskLevel), string(flagsJSON), string(resourceJSON),
		string(argsJSON), string(metaJSON), r.ArgsHash, r.RequestHash,
		string(r.Decision), r.Reason, r.MatchedRuleID, r.MatchedLeaseID, r.ApprovalID,
		formatTime(r.CreatedAt))
	return err
}

// RequestQuery filters ListRequests.
type RequestQuery struct {
	AgentID    string
	UpstreamID string
	ToolName   string
	Decision   policy.Outcome
	Since      time.Time
	Limit      int
}

// ListRequests returns a workspace's audit records matching the filters,
// newest first.
func (s *Store) ListRequests(ctx context.Context, workspaceID string, q RequestQuery) ([]*Request, error) {
	query := `
		SELECT id, workspace_id, agent_id, upstream_id, tool_name,
			action_class, risk_level, risk_flags, resource,
			args_redacted, args_meta, args_hash, request_hash,
			decision, reason, matched_rule_id, matched_lease_id, approval_id,
			created_at
		FROM requests WHERE workspace_id = ?
	`
	args := []any{workspaceID}

	if q.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, q.AgentID)
	}
	if q.UpstreamID != "" {
		query += " AND upstream_id = ?"
		args = append(args, q.UpstreamID)
	}
	if q.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, q.ToolName)
	}
	if q.Decision != "" {
		query += " AND decision = ?"
		args = append(args, string(q.Decision))
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(q.Since))
	}

	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		var r Request
		var agentID, upstreamID, actionClass, riskLevel sql.NullString
		var flagsJSON, resourceJSON, argsJSON, metaJSON sql.NullString
		var reason, ruleID, leaseID, approvalID sql.NullString
		var decision, createdAt string

		if err := rows.Scan(
			&r.ID, &r.WorkspaceID, &agentID, &upstreamID, &r.ToolName,
			&actionClass, &riskLevel, &flagsJSON, &resourceJSON,
			&argsJSON, &metaJSON, &r.ArgsHash, &r.RequestHash,
			&decision, &reason, &ruleID, &leaseID, &approvalID,
			&createdAt,
		); err != nil {
			return nil, err
		}

		r.AgentID = agentID.String
		r.UpstreamID = upstreamID.String
		r.ActionClass = policy.ActionClass(actionClass.String)
		r.RiskLevel = policy.RiskLevel(riskLevel.String)
		r.Decision = policy.Outcome(decision)
		r.Reason = reason.String
		r.MatchedRuleID = ruleID.String
		r.MatchedLeaseID = leaseID.String
		r.ApprovalID = approvalID.String
		r.CreatedAt = parseTime(createdAt)

		if flagsJSON.Valid {
			json.Unmarshal([]byte(flagsJSON.String), &r.RiskFlags)
		}
		if resourceJSON.Valid {
			json.Unmarshal([]byte(resourceJSON.String), &r.Resource)
		}
		if argsJSON.Valid {
			json.Unmarshal([]byte(argsJSON.String), &r.ArgsRedacted)
		}
		if metaJSON.Valid {
			json.Unmarshal([]byte(metaJSON.String), &r.ArgsMeta)
		}

		out = append(out, &r)
	}
	return out, rows.Err()
}
