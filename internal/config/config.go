// Package config loads the gateway's YAML configuration and seeds the store
// from its bootstrap section.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agentgate/internal/canon"
	"agentgate/internal/policy"
	"agentgate/internal/store"
)

// Config is the gateway configuration file. Every field has a flag/env
// counterpart in cmd/gated; the file is optional.
type Config struct {
	Listen string `yaml:"listen"`
	DSN    string `yaml:"dsn"`

	// DefaultDecision applies when no rule or lease matches: "allowed"
	// (the default), "denied", or "approval_required".
	DefaultDecision string `yaml:"defaultDecision"`

	Anthropic struct {
		APIKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"anthropic"`

	Notify struct {
		WebhookURL   string `yaml:"webhookUrl"`
		BaseURL      string `yaml:"baseUrl"`
		SMTPHost     string `yaml:"smtpHost"`
		SMTPPort     string `yaml:"smtpPort"`
		SMTPUser     string `yaml:"smtpUser"`
		SMTPPassword string `yaml:"smtpPassword"`
		EmailFrom    string `yaml:"emailFrom"`
		EmailTo      string `yaml:"emailTo"`
	} `yaml:"notify"`

	Bootstrap *Bootstrap `yaml:"bootstrap"`
}

// Bootstrap seeds a workspace with its agents, upstreams, and rules on first
// run. Seeding is idempotent: an existing workspace is left untouched.
type Bootstrap struct {
	Workspace struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"workspace"`

	Agents []struct {
		ID        string `yaml:"id"`
		Name      string `yaml:"name"`
		ClientKey string `yaml:"clientKey"`
	} `yaml:"agents"`

	Upstreams []struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Kind    string `yaml:"kind"`
		BaseURL string `yaml:"baseUrl"`
	} `yaml:"upstreams"`

	Rules []BootstrapRule `yaml:"rules"`

	Leases []struct {
		ActionClass string `yaml:"actionClass"`
		UpstreamID  string `yaml:"upstreamId"`
		ToolName    string `yaml:"toolName"`
		Domain      string `yaml:"domain"`
		DomainMatch string `yaml:"domainMatch"`
		Recipient   string `yaml:"recipient"`
		TTLMinutes  int    `yaml:"ttlMinutes"`
	} `yaml:"leases"`
}

// BootstrapRule is the YAML shape of a seed rule.
type BootstrapRule struct {
	Name           string `yaml:"name"`
	Priority       int    `yaml:"priority"`
	Effect         string `yaml:"effect"`
	ActionClass    string `yaml:"actionClass"`
	UpstreamID     string `yaml:"upstreamId"`
	ToolName       string `yaml:"toolName"`
	Domain         string `yaml:"domain"`
	DomainMatch    string `yaml:"domainMatch"`
	Recipient      string `yaml:"recipient"`
	SmartCondition string `yaml:"smartCondition"`
	Disabled       bool   `yaml:"disabled"`
}

// Load reads and parses a config file. Environment references like
// ${ANTHROPIC_API_KEY} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DefaultDecision {
	case "", string(policy.OutcomeAllowed), string(policy.OutcomeDenied), string(policy.OutcomeApprovalRequired):
	default:
		return fmt.Errorf("config: invalid defaultDecision %q", c.DefaultDecision)
	}
	if c.Bootstrap != nil {
		for i, r := range c.Bootstrap.Rules {
			if r.ActionClass != "" && !policy.ValidActionClass(r.ActionClass) {
				return fmt.Errorf("config: bootstrap rule %d: invalid actionClass %q", i, r.ActionClass)
			}
			switch r.Effect {
			case string(policy.EffectAllow), string(policy.EffectDeny), string(policy.EffectRequireApproval):
			default:
				return fmt.Errorf("config: bootstrap rule %d: invalid effect %q", i, r.Effect)
			}
		}
	}
	return nil
}

// Seed applies the bootstrap section to the store. A workspace that already
// exists is skipped wholesale so restarts do not duplicate seed data.
func (c *Config) Seed(ctx context.Context, s *store.Store) error {
	b := c.Bootstrap
	if b == nil {
		return nil
	}
	if b.Workspace.ID == "" {
		return errors.New("config: bootstrap workspace id required")
	}

	if _, err := s.GetWorkspace(ctx, b.Workspace.ID); err == nil {
		slog.Debug("bootstrap workspace already present", "workspace_id", b.Workspace.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	name := b.Workspace.Name
	if name == "" {
		name = b.Workspace.ID
	}
	if err := s.CreateWorkspace(ctx, &store.Workspace{ID: b.Workspace.ID, Name: name}); err != nil {
		return fmt.Errorf("seed workspace: %w", err)
	}

	for _, a := range b.Agents {
		if a.ClientKey == "" {
			return fmt.Errorf("config: bootstrap agent %q: clientKey required", a.Name)
		}
		if err := s.CreateAgent(ctx, &store.Agent{
			ID:            a.ID,
			WorkspaceID:   b.Workspace.ID,
			Name:          a.Name,
			ClientKeyHash: canon.HashClientKey(a.ClientKey),
		}); err != nil {
			return fmt.Errorf("seed agent %q: %w", a.Name, err)
		}
	}

	for _, u := range b.Upstreams {
		if err := s.CreateUpstream(ctx, &store.Upstream{
			ID:          u.ID,
			WorkspaceID: b.Workspace.ID,
			Name:        u.Name,
			Kind:        u.Kind,
			BaseURL:     u.BaseURL,
		}); err != nil {
			return fmt.Errorf("seed upstream %q: %w", u.Name, err)
		}
	}

	for _, r := range b.Rules {
		actionClass := r.ActionClass
		if actionClass == "" {
			actionClass = string(policy.ActionAny)
		}
		if err := s.CreateRule(ctx, &policy.Rule{
			WorkspaceID:     b.Workspace.ID,
			Name:            r.Name,
			Priority:        r.Priority,
			Enabled:         !r.Disabled,
			Effect:          policy.Effect(r.Effect),
			ActionClass:     policy.ActionClass(actionClass),
			UpstreamID:      r.UpstreamID,
			ToolName:        r.ToolName,
			DomainPattern:   r.Domain,
			DomainMatchType: matchType(r.DomainMatch),
			Recipient:       r.Recipient,
			SmartCondition:  r.SmartCondition,
		}); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}

	for i, l := range b.Leases {
		ttl := time.Duration(l.TTLMinutes) * time.Minute
		if ttl <= 0 {
			ttl = time.Hour
		}
		if err := s.CreateLease(ctx, &policy.Lease{
			WorkspaceID:     b.Workspace.ID,
			CreatedBy:       "bootstrap",
			ActionClass:     policy.ActionClass(l.ActionClass),
			UpstreamID:      l.UpstreamID,
			ToolName:        l.ToolName,
			DomainPattern:   l.Domain,
			DomainMatchType: matchType(l.DomainMatch),
			Recipient:       l.Recipient,
			ExpiresAt:       time.Now().UTC().Add(ttl),
		}); err != nil {
			return fmt.Errorf("seed lease %d: %w", i, err)
		}
	}

	slog.Info("bootstrap seeded",
		"workspace_id", b.Workspace.ID,
		"agents", len(b.Agents),
		"upstreams", len(b.Upstreams),
		"rules", len(b.Rules))
	return nil
}

func matchType(s string) policy.MatchType {
	if s == string(policy.MatchSuffix) {
		return policy.MatchSuffix
	}
	return policy.MatchExact
}
