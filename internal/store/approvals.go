package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentgate/internal/policy"
)

// Approval statuses. Pending is the only non-terminal status; every
// transition out of it is guarded so concurrent resolutions cannot both win.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// Approval is a human-approval request for one specific tool call.
type Approval struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	RequestID   string `json:"request_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	AgentName   string `json:"agent_name,omitempty"`
	UpstreamID  string `json:"upstream_id,omitempty"`
	ToolName    string `json:"tool_name"`

	ActionClass policy.ActionClass `json:"action_class,omitempty"`
	RiskLevel   policy.RiskLevel   `json:"risk_level,omitempty"`
	Resource    policy.Resource    `json:"resource"`

	ArgsRedacted map[string]any    `json:"args_redacted,omitempty"`
	ArgsMeta     map[string]string `json:"args_meta,omitempty"`
	ArgsHash     string            `json:"args_hash"`
	RequestHash  string            `json:"request_hash"`

	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string    `json:"resolution_note,omitempty"`

	ExpiresAt time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Token is a single-use approval token bound to one exact call.
type Token struct {
	ID          string `json:"id"`
	ApprovalID  string `json:"approval_id"`
	WorkspaceID string `json:"workspace_id"`

	// TokenHash is the SHA-256 of the raw token; the raw value itself is
	// held only until the agent first polls for it.
	TokenHash string `json:"-"`
	RawToken  string `json:"-"`

	RequestHash string `json:"request_hash"`
	ToolName    string `json:"tool_name"`
	UpstreamID  string `json:"upstream_id,omitempty"`
	ArgsHash    string `json:"args_hash"`

	ExpiresAt   time.Time `json:"expires_at"`
	ConsumedAt  time.Time `json:"consumed_at,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateApproval inserts a pending approval, assigning an id when empty.
func (s *Store) CreateApproval(ctx context.Context, a *Approval) error {
	if a.ID == "" {
		a.ID = NewID("apr")
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	argsJSON, _ := json.Marshal(a.ArgsRedacted)
	metaJSON, _ := json.Marshal(a.ArgsMeta)
	resourceJSON, _ := json.Marshal(a.Resource)

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO approval_requests (
			id, workspace_id, request_id, agent_id, agent_name, upstream_id,
			tool_name, action_class, risk_level, resource,
			args_redacted, args_meta, args_hash, request_hash,
			status, reason, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		a.ID, a.WorkspaceID, a.RequestID, a.AgentID, a.AgentName, a.UpstreamID,
		a.ToolName, string(a.ActionClass), string(a.RiskLevel), string(resourceJSON),
		string(argsJSON), string(metaJSON), a.ArgsHash, a.RequestHash,
		a.Status, a.Reason, formatTimeOrNull(a.ExpiresAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

// GetApproval retrieves an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(approvalColumns+`
		FROM approval_requests WHERE id = ?
	`), id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// ApprovalQuery filters ListApprovals.
type ApprovalQuery struct {
	Status string
	Limit  int
}

// ListApprovals returns a workspace's approvals, newest first.
func (s *Store) ListApprovals(ctx context.Context, workspaceID string, q ApprovalQuery) ([]*Approval, error) {
	query := approvalColumns + ` FROM approval_requests WHERE workspace_id = ?`
	args := []any{workspaceID}

	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, q.Status)
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

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApproveApproval transitions a pending approval to approved and stores its
// token in the same transaction. ErrConflict when the approval is no longer
// pending.
func (s *Store) ApproveApproval(ctx context.Context, id, resolvedBy, note string, tok *Token) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE approval_requests
		SET status = ?, resolved_by = ?, resolved_at = ?, resolution_note = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`),
		StatusApproved, resolvedBy, formatTime(now), note,
		formatTime(now), id, StatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}

	if tok.ID == "" {
		tok.ID = NewID("tok")
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = now
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO approval_tokens (
			id, approval_id, workspace_id, token_hash, raw_token,
			request_hash, tool_name, upstream_id, args_hash,
			expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		tok.ID, tok.ApprovalID, tok.WorkspaceID, tok.TokenHash, tok.RawToken,
		tok.RequestHash, tok.ToolName, tok.UpstreamID, tok.ArgsHash,
		formatTime(tok.ExpiresAt), formatTime(tok.CreatedAt)); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	return tx.Commit()
}

// ResolveApproval transitions a pending approval to the given terminal
// status. ErrConflict when the approval is no longer pending.
func (s *Store) ResolveApproval(ctx context.Context, id, status, resolvedBy, note string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE approval_requests
		SET status = ?, resolved_by = ?, resolved_at = ?, resolution_note = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`),
		status, resolvedBy, formatTime(now), note,
		formatTime(now), id, StatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ExpireApprovals marks pending approvals past their deadline as expired and
// returns how many were affected.
func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE approval_requests
		SET status = ?, resolved_at = ?, resolution_note = 'Approval request expired', updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
	`), StatusExpired, ts, ts, StatusPending, ts)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TokenByHash retrieves a token by the hash of its raw value.
func (s *Store) TokenByHash(ctx context.Context, tokenHash string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(tokenColumns+`
		FROM approval_tokens WHERE token_hash = ?
	`), tokenHash)
	t, err := scanToken(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// TokenByApproval retrieves the token issued for an approval, if any.
func (s *Store) TokenByApproval(ctx context.Context, approvalID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(tokenColumns+`
		FROM approval_tokens WHERE approval_id = ?
	`), approvalID)
	t, err := scanToken(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// ConsumeToken marks a token spent. The guarded update is what makes the
// token single-use: exactly one concurrent caller sees a row change.
func (s *Store) ConsumeToken(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE approval_tokens SET consumed_at = ?
		WHERE id = ? AND consumed_at IS NULL
	`), formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// TakeRawToken returns the raw token for an approval exactly once, clearing
// it in the same transaction. Subsequent calls return ErrConflict.
func (s *Store) TakeRawToken(ctx context.Context, approvalID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var raw sql.NullString
	var retrieved sql.NullString
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT raw_token, retrieved_at FROM approval_tokens WHERE approval_id = ?
	`), approvalID).Scan(&raw, &retrieved)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if retrieved.Valid || !raw.Valid || raw.String == "" {
		return "", ErrConflict
	}

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE approval_tokens SET raw_token = NULL, retrieved_at = ?
		WHERE approval_id = ? AND retrieved_at IS NULL
	`), now, approvalID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return raw.String, nil
}

const approvalColumns = `
	SELECT id, workspace_id, request_id, agent_id, agent_name, upstream_id,
		tool_name, action_class, risk_level, resource,
		args_redacted, args_meta, args_hash, request_hash,
		status, reason, resolved_by, resolved_at, resolution_note,
		expires_at, created_at, updated_at
`

const tokenColumns = `
	SELECT id, approval_id, workspace_id, token_hash, raw_token,
		request_hash, tool_name, upstream_id, args_hash,
		expires_at, consumed_at, retrieved_at, created_at
`

func scanApproval(scan func(...any) error) (*Approval, error) {
	var a Approval
	var requestID, agentID, agentName, upstreamID, actionClass, riskLevel sql.NullString
	var resourceJSON, argsJSON, metaJSON, reason, resolvedBy, resolvedAt, note, expiresAt sql.NullString
	var createdAt, updatedAt string

	err := scan(
		&a.ID, &a.WorkspaceID, &requestID, &agentID, &agentName, &upstreamID,
		&a.ToolName, &actionClass, &riskLevel, &resourceJSON,
		&argsJSON, &metaJSON, &a.ArgsHash, &a.RequestHash,
		&a.Status, &reason, &resolvedBy, &resolvedAt, &note,
		&expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.RequestID = requestID.String
	a.AgentID = agentID.String
	a.AgentName = agentName.String
	a.UpstreamID = upstreamID.String
	a.ActionClass = policy.ActionClass(actionClass.String)
	a.RiskLevel = policy.RiskLevel(riskLevel.String)
	a.Reason = reason.String
	a.ResolvedBy = resolvedBy.String
	a.ResolutionNote = note.String
	a.ResolvedAt = parseNullTime(resolvedAt)
	a.ExpiresAt = parseNullTime(expiresAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)

	if resourceJSON.Valid {
		json.Unmarshal([]byte(resourceJSON.String), &a.Resource)
	}
	if argsJSON.Valid {
		json.Unmarshal([]byte(argsJSON.String), &a.ArgsRedacted)
	}
	if metaJSON.Valid {
		json.Unmarshal([]byte(metaJSON.String), &a.ArgsMeta)
	}
	return &a, nil
}

func scanToken(scan func(...any) error) (*Token, error) {
	var t Token
	var rawToken, upstreamID, consumedAt, retrievedAt sql.NullString
	var expiresAt, createdAt string

	err := scan(
		&t.ID, &t.ApprovalID, &t.WorkspaceID, &t.TokenHash, &rawToken,
		&t.RequestHash, &t.ToolName, &upstreamID, &t.ArgsHash,
		&expiresAt, &consumedAt, &retrievedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	t.RawToken = rawToken.String
	t.UpstreamID = upstreamID.String
	t.ExpiresAt = parseTime(expiresAt)
	t.ConsumedAt = parseNullTime(consumedAt)
	t.RetrievedAt = parseNullTime(retrievedAt)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}
