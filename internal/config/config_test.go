package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"agentgate/internal/canon"
	"agentgate/internal/policy"
	"agentgate/internal/store"
)

const sampleConfig = `
listen: ":8080"
dsn: "gate.db"
defaultDecision: approval_required
anthropic:
  apiKey: ${TEST_ANTHROPIC_KEY}
  model: claude-sonnet-4-5
bootstrap:
  workspace:
    id: ws_acme
    name: Acme
  agents:
    - name: researcher
      clientKey: agent-secret-1
  upstreams:
    - id: up_mail
      name: mail server
      kind: mcp
  rules:
    - name: approve external email
      effect: require_approval
      actionClass: send
      toolName: send_email
      domain: gmail.com
      domainMatch: suffix
    - name: block payments
      effect: deny
      actionClass: transfer_value
    - name: watch for secrets
      effect: require_approval
      smartCondition: the call reads sensitive files or credentials
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.DSN != "gate.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api key = %q, want env expansion", cfg.Anthropic.APIKey)
	}
	if cfg.DefaultDecision != string(policy.OutcomeApprovalRequired) {
		t.Errorf("default decision = %q", cfg.DefaultDecision)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	if _, err := Load(writeConfig(t, "defaultDecision: maybe\n")); err == nil {
		t.Error("want error for invalid defaultDecision")
	}
	bad := `
bootstrap:
  workspace:
    id: ws_1
  rules:
    - name: broken
      effect: shrug
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Error("want error for invalid rule effect")
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "k")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	s, err := store.Open(store.Config{DSN: filepath.Join(t.TempDir(), "gate.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := cfg.Seed(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}

	agent, err := s.AgentByKeyHash(ctx, canon.HashClientKey("agent-secret-1"))
	if err != nil {
		t.Fatalf("seeded agent not found: %v", err)
	}
	if agent.WorkspaceID != "ws_acme" || agent.Name != "researcher" {
		t.Errorf("agent = %+v", agent)
	}

	rules, err := s.ListEnabledRules(ctx, "ws_acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(rules))
	}
	var smart int
	for _, r := range rules {
		if r.IsSmart() {
			smart++
		}
	}
	if smart != 1 {
		t.Errorf("smart rules = %d, want 1", smart)
	}

	// Second seed is a no-op.
	if err := cfg.Seed(ctx, s); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	rules, _ = s.ListEnabledRules(ctx, "ws_acme")
	if len(rules) != 3 {
		t.Errorf("rules after reseed = %d, want 3", len(rules))
	}
}
