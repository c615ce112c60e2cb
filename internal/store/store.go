// Package store persists the gateway's state: workspaces, agents, upstreams,
// policy rules and leases, audited requests, approvals, and approval tokens.
//
// The backend is SQLite by default; a DSN starting with postgres:// or
// postgresql:// switches to PostgreSQL. Queries are written once with ?
// placeholders and rebound for PostgreSQL.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a guarded transition loses its race:
	// resolving a non-pending approval, consuming a spent token.
	ErrConflict = errors.New("store: conflict")
)

// Store wraps the database connection.
type Store struct {
	db         *sql.DB
	isPostgres bool
}

// Config configures the store.
type Config struct {
	// DSN is the data-source name. A postgres:// or postgresql:// prefix
	// selects the PostgreSQL backend; any other value is a SQLite file path.
	DSN string
}

// Open opens the database and creates the schema.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "agentgate.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// WAL keeps readers unblocked while the gateway writes.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db, isPostgres: isPostgres}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (s *Store) IsPostgres() bool { return s.isPostgres }

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		client_key_hash TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		last_seen_at TEXT
	);

	CREATE TABLE IF NOT EXISTS upstreams (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT,
		base_url TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policy_rules (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		effect TEXT NOT NULL,
		action_class TEXT NOT NULL,
		upstream_id TEXT,
		tool_name TEXT,
		domain_pattern TEXT,
		domain_match_type TEXT,
		recipient TEXT,
		smart_condition TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policy_leases (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		created_by TEXT,
		action_class TEXT NOT NULL,
		upstream_id TEXT,
		tool_name TEXT,
		domain_pattern TEXT,
		domain_match_type TEXT,
		recipient TEXT,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		agent_id TEXT,
		upstream_id TEXT,
		tool_name TEXT NOT NULL,
		action_class TEXT,
		risk_level TEXT,
		risk_flags TEXT,
		resource TEXT,
		args_redacted TEXT,
		args_meta TEXT,
		args_hash TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		matched_rule_id TEXT,
		matched_lease_id TEXT,
		approval_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		request_id TEXT,
		agent_id TEXT,
		agent_name TEXT,
		upstream_id TEXT,
		tool_name TEXT NOT NULL,
		action_class TEXT,
		risk_level TEXT,
		resource TEXT,
		args_redacted TEXT,
		args_meta TEXT,
		args_hash TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reason TEXT,
		resolved_by TEXT,
		resolved_at TEXT,
		resolution_note TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approval_tokens (
		id TEXT PRIMARY KEY,
		approval_id TEXT NOT NULL UNIQUE,
		workspace_id TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		raw_token TEXT,
		request_hash TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		upstream_id TEXT,
		args_hash TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		consumed_at TEXT,
		retrieved_at TEXT,
		created_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	indexes := `
	CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_upstreams_workspace ON upstreams(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_rules_workspace ON policy_rules(workspace_id, enabled);
	CREATE INDEX IF NOT EXISTS idx_leases_workspace ON policy_leases(workspace_id, expires_at);
	CREATE INDEX IF NOT EXISTS idx_requests_workspace ON requests(workspace_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_agent ON requests(agent_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_workspace ON approval_requests(workspace_id, status);
	CREATE INDEX IF NOT EXISTS idx_approvals_expires ON approval_requests(expires_at);
	CREATE INDEX IF NOT EXISTS idx_tokens_hash ON approval_tokens(token_hash);
	`
	_, err := db.Exec(indexes)
	return err
}

// rebind rewrites ? placeholders into $N when the backend is PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// NewID returns a prefixed short identifier, e.g. "apr_1a2b3c4d".
func NewID(prefix string) string {
	return prefix + "_" + uuid.New().String()[:8]
}

// timeLayout pins nine fractional digits so the stored TEXT values compare
// correctly byte-wise. RFC3339Nano drops trailing zeros, which breaks
// lexicographic range queries on expires_at and created_at.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTime(s.String)
}
