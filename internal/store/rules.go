package store

import (
	"context"
	"database/sql"
	"time"

	"agentgate/internal/policy"
)

// CreateRule inserts a policy rule, assigning an id when empty.
func (s *Store) CreateRule(ctx context.Context, r *policy.Rule) error {
	if r.ID == "" {
		r.ID = NewID("rule")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO policy_rules (
			id, workspace_id, name, priority, enabled, effect, action_class,
			upstream_id, tool_name, domain_pattern, domain_match_type,
			recipient, smart_condition, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		r.ID, r.WorkspaceID, r.Name, r.Priority, enabled,
		string(r.Effect), string(r.ActionClass),
		r.UpstreamID, r.ToolName, r.DomainPattern, string(r.DomainMatchType),
		r.Recipient, r.SmartCondition, formatTime(r.CreatedAt))
	return err
}

// GetRule retrieves a rule scoped to a workspace.
func (s *Store) GetRule(ctx context.Context, workspaceID, id string) (*policy.Rule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(ruleColumns+`
		FROM policy_rules WHERE workspace_id = ? AND id = ?
	`), workspaceID, id)
	r, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRules returns all rules of a workspace, newest first.
func (s *Store) ListRules(ctx context.Context, workspaceID string) ([]policy.Rule, error) {
	return s.queryRules(ctx, ruleColumns+`
		FROM policy_rules WHERE workspace_id = ?
		ORDER BY created_at DESC
	`, workspaceID)
}

// ListEnabledRules returns the enabled rules of a workspace. Implements
// policy.RuleSource.
func (s *Store) ListEnabledRules(ctx context.Context, workspaceID string) ([]policy.Rule, error) {
	return s.queryRules(ctx, ruleColumns+`
		FROM policy_rules WHERE workspace_id = ? AND enabled = 1
		ORDER BY created_at DESC
	`, workspaceID)
}

// SetRuleEnabled toggles a rule.
func (s *Store) SetRuleEnabled(ctx context.Context, workspaceID, id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE policy_rules SET enabled = ? WHERE workspace_id = ? AND id = ?
	`), v, workspaceID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM policy_rules WHERE workspace_id = ? AND id = ?
	`), workspaceID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateLease inserts a lease, assigning an id when empty.
func (s *Store) CreateLease(ctx context.Context, l *policy.Lease) error {
	if l.ID == "" {
		l.ID = NewID("lease")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO policy_leases (
			id, workspace_id, created_by, action_class,
			upstream_id, tool_name, domain_pattern, domain_match_type,
			recipient, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		l.ID, l.WorkspaceID, l.CreatedBy, string(l.ActionClass),
		l.UpstreamID, l.ToolName, l.DomainPattern, string(l.DomainMatchType),
		l.Recipient, formatTime(l.ExpiresAt),
		formatTime(l.CreatedAt))
	return err
}

// ListLeases returns all leases of a workspace, expired ones included.
func (s *Store) ListLeases(ctx context.Context, workspaceID string) ([]policy.Lease, error) {
	return s.queryLeases(ctx, leaseColumns+`
		FROM policy_leases WHERE workspace_id = ?
		ORDER BY created_at DESC
	`, workspaceID)
}

// ListActiveLeases returns the unexpired leases of a workspace. Implements
// policy.RuleSource.
func (s *Store) ListActiveLeases(ctx context.Context, workspaceID string, now time.Time) ([]policy.Lease, error) {
	return s.queryLeases(ctx, leaseColumns+`
		FROM policy_leases WHERE workspace_id = ? AND expires_at > ?
		ORDER BY created_at DESC
	`, workspaceID, formatTime(now))
}

// RevokeLease removes a lease before its expiry.
func (s *Store) RevokeLease(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM policy_leases WHERE workspace_id = ? AND id = ?
	`), workspaceID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const ruleColumns = `
	SELECT id, workspace_id, name, priority, enabled, effect, action_class,
		upstream_id, tool_name, domain_pattern, domain_match_type,
		recipient, smart_condition, created_at
`

const leaseColumns = `
	SELECT id, workspace_id, created_by, action_class,
		upstream_id, tool_name, domain_pattern, domain_match_type,
		recipient, expires_at, created_at
`

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRule(scan func(...any) error) (*policy.Rule, error) {
	var r policy.Rule
	var name, upstreamID, toolName, domainPattern, domainMatchType sql.NullString
	var recipient, smartCondition sql.NullString
	var effect, actionClass, createdAt string
	var enabled int

	err := scan(
		&r.ID, &r.WorkspaceID, &name, &r.Priority, &enabled, &effect, &actionClass,
		&upstreamID, &toolName, &domainPattern, &domainMatchType,
		&recipient, &smartCondition, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	r.Name = name.String
	r.Enabled = enabled != 0
	r.Effect = policy.Effect(effect)
	r.ActionClass = policy.ActionClass(actionClass)
	r.UpstreamID = upstreamID.String
	r.ToolName = toolName.String
	r.DomainPattern = domainPattern.String
	r.DomainMatchType = policy.MatchType(domainMatchType.String)
	r.Recipient = recipient.String
	r.SmartCondition = smartCondition.String
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (s *Store) queryLeases(ctx context.Context, query string, args ...any) ([]policy.Lease, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Lease
	for rows.Next() {
		var l policy.Lease
		var createdBy, upstreamID, toolName, domainPattern, domainMatchType, recipient sql.NullString
		var actionClass, expiresAt, createdAt string
		if err := rows.Scan(
			&l.ID, &l.WorkspaceID, &createdBy, &actionClass,
			&upstreamID, &toolName, &domainPattern, &domainMatchType,
			&recipient, &expiresAt, &createdAt,
		); err != nil {
			return nil, err
		}
		l.CreatedBy = createdBy.String
		l.ActionClass = policy.ActionClass(actionClass)
		l.UpstreamID = upstreamID.String
		l.ToolName = toolName.String
		l.DomainPattern = domainPattern.String
		l.DomainMatchType = policy.MatchType(domainMatchType.String)
		l.Recipient = recipient.String
		l.ExpiresAt = parseTime(expiresAt)
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}
