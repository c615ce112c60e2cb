package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Workspace is a tenant boundary. Every rule, lease, agent, upstream, and
// approval belongs to exactly one workspace.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is an AI agent identity within a workspace. Agents authenticate with
// a client key; only its hash is stored.
type Agent struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Name          string    `json:"name"`
	ClientKeyHash string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeenAt    time.Time `json:"last_seen_at,omitempty"`
}

// Upstream is a tool server the gateway fronts.
type Upstream struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind,omitempty"`
	BaseURL     string    `json:"base_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateWorkspace inserts a workspace, assigning an id when empty.
func (s *Store) CreateWorkspace(ctx context.Context, w *Workspace) error {
	if w.ID == "" {
		w.ID = NewID("ws")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)
	`), w.ID, w.Name, formatTime(w.CreatedAt))
	return err
}

// GetWorkspace retrieves a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var w Workspace
	var createdAt string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, created_at FROM workspaces WHERE id = ?
	`), id).Scan(&w.ID, &w.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}

// DeleteWorkspace removes a workspace and everything scoped to it.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{
		"approval_tokens", "approval_requests", "requests",
		"policy_leases", "policy_rules", "upstreams", "agents",
	} {
		if _, err := tx.ExecContext(ctx,
			s.rebind(fmt.Sprintf("DELETE FROM %s WHERE workspace_id = ?", table)), id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}

	res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM workspaces WHERE id = ?"), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// CreateAgent inserts an agent, assigning an id when empty.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = NewID("agt")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agents (id, workspace_id, name, client_key_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), a.ID, a.WorkspaceID, a.Name, a.ClientKeyHash, formatTime(a.CreatedAt))
	return err
}

// AgentByKeyHash authenticates an agent by its client-key hash and records
// the sighting. ErrNotFound doubles as the authentication failure.
func (s *Store) AgentByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	var a Agent
	var createdAt string
	var lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, workspace_id, name, client_key_hash, created_at, last_seen_at
		FROM agents WHERE client_key_hash = ?
	`), keyHash).Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.ClientKeyHash, &createdAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.LastSeenAt = parseNullTime(lastSeen)

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET last_seen_at = ? WHERE id = ?
	`), formatTime(now), a.ID); err == nil {
		a.LastSeenAt = now
	}
	return &a, nil
}

// ListAgents returns the agents of a workspace.
func (s *Store) ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, workspace_id, name, client_key_hash, created_at, last_seen_at
		FROM agents WHERE workspace_id = ? ORDER BY created_at
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var createdAt string
		var lastSeen sql.NullString
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.ClientKeyHash, &createdAt, &lastSeen); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		a.LastSeenAt = parseNullTime(lastSeen)
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent.
func (s *Store) DeleteAgent(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM agents WHERE workspace_id = ? AND id = ?
	`), workspaceID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUpstream inserts an upstream, assigning an id when empty.
func (s *Store) CreateUpstream(ctx context.Context, u *Upstream) error {
	if u.ID == "" {
		u.ID = NewID("up")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO upstreams (id, workspace_id, name, kind, base_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), u.ID, u.WorkspaceID, u.Name, u.Kind, u.BaseURL, formatTime(u.CreatedAt))
	return err
}

// GetUpstream retrieves an upstream scoped to a workspace.
func (s *Store) GetUpstream(ctx context.Context, workspaceID, id string) (*Upstream, error) {
	var u Upstream
	var kind, baseURL sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, workspace_id, name, kind, base_url, created_at
		FROM upstreams WHERE workspace_id = ? AND id = ?
	`), workspaceID, id).Scan(&u.ID, &u.WorkspaceID, &u.Name, &kind, &baseURL, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Kind = kind.String
	u.BaseURL = baseURL.String
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// ListUpstreams returns the upstreams of a workspace.
func (s *Store) ListUpstreams(ctx context.Context, workspaceID string) ([]*Upstream, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, workspace_id, name, kind, base_url, created_at
		FROM upstreams WHERE workspace_id = ? ORDER BY created_at
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var upstreams []*Upstream
	for rows.Next() {
		var u Upstream
		var kind, baseURL sql.NullString
		var createdAt string
		if err := rows.Scan(&u.ID, &u.WorkspaceID, &u.Name, &kind, &baseURL, &createdAt); err != nil {
			return nil, err
		}
		u.Kind = kind.String
		u.BaseURL = baseURL.String
		u.CreatedAt = parseTime(createdAt)
		upstreams = append(upstreams, &u)
	}
	return upstreams, rows.Err()
}
