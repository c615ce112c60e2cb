// Package approval owns the approval lifecycle: creating pending requests,
// resolving them, minting single-use tokens bound to the approved call, and
// redeeming those tokens on retry.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentgate/internal/canon"
	"agentgate/internal/policy"
	"agentgate/internal/store"
)

var (
	// ErrTokenInvalid covers a token that does not exist or was not issued
	// for this workspace.
	ErrTokenInvalid = errors.New("approval: token invalid")

	// ErrTokenConsumed is returned when the token was already spent.
	ErrTokenConsumed = errors.New("approval: token already used")

	// ErrTokenExpired is returned when the token's validity window passed.
	ErrTokenExpired = errors.New("approval: token expired")
)

// BindingError reports which binding field of a redeemed token did not match
// the call. The token is NOT consumed on a binding mismatch: the agent may
// still retry the exact approved call.
type BindingError struct {
	Field string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("approval: token bound to a different %s", e.Field)
}

// TokenTTL is how long an issued token stays redeemable.
const TokenTTL = time.Hour

// PendingTTL is how long an unresolved approval stays actionable.
const PendingTTL = 24 * time.Hour

// DenyRulePriority is the priority of rules minted from a deny-and-remember
// resolution.
const DenyRulePriority = 100

// Manager coordinates approvals against the store.
type Manager struct {
	Store *store.Store

	// Now is overridable for tests.
	Now func() time.Time
}

// CreateParams describes the call an approval is being requested for.
type CreateParams struct {
	WorkspaceID string
	RequestID   string
	AgentID     string
	AgentName   string
	UpstreamID  string
	ToolName    string

	ActionClass policy.ActionClass
	RiskLevel   policy.RiskLevel
	Resource    policy.Resource

	ArgsRedacted map[string]any
	ArgsMeta     map[string]string
	ArgsHash     string
	RequestHash  string
	Reason       string
}

// Create opens a pending approval for the call.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*store.Approval, error) {
	a := &store.Approval{
		WorkspaceID:  p.WorkspaceID,
		RequestID:    p.RequestID,
		AgentID:      p.AgentID,
		AgentName:    p.AgentName,
		UpstreamID:   p.UpstreamID,
		ToolName:     p.ToolName,
		ActionClass:  p.ActionClass,
		RiskLevel:    p.RiskLevel,
		Resource:     p.Resource,
		ArgsRedacted: p.ArgsRedacted,
		ArgsMeta:     p.ArgsMeta,
		ArgsHash:     p.ArgsHash,
		RequestHash:  p.RequestHash,
		Reason:       p.Reason,
		ExpiresAt:    m.now().Add(PendingTTL),
	}
	if err := m.Store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	return a, nil
}

// ApproveOptions tunes an approval resolution.
type ApproveOptions struct {
	// CreateLease additionally grants a lease scoped like the approved
	// call, so equivalent calls skip the approval queue for a while.
	CreateLease   bool
	LeaseDuration time.Duration
}

// Approve resolves a pending approval, mints its single-use token, and
// optionally grants a lease. store.ErrConflict when the approval is no
// longer pending.
func (m *Manager) Approve(ctx context.Context, approvalID, resolvedBy, note string, opts ApproveOptions) (*store.Approval, error) {
	a, err := m.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a, err = m.expireIfOverdue(ctx, a); err != nil {
		return nil, err
	}
	if a.Status != store.StatusPending {
		return nil, store.ErrConflict
	}

	raw, err := newRawToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	tok := &store.Token{
		ApprovalID:  a.ID,
		WorkspaceID: a.WorkspaceID,
		TokenHash:   canon.HashToken(raw),
		RawToken:    raw,
		RequestHash: a.RequestHash,
		ToolName:    a.ToolName,
		UpstreamID:  a.UpstreamID,
		ArgsHash:    a.ArgsHash,
		ExpiresAt:   m.now().Add(TokenTTL),
	}

	if err := m.Store.ApproveApproval(ctx, a.ID, resolvedBy, note, tok); err != nil {
		return nil, err
	}

	if opts.CreateLease {
		dur := opts.LeaseDuration
		if dur <= 0 {
			dur = time.Hour
		}
		lease := &policy.Lease{
			WorkspaceID:   a.WorkspaceID,
			CreatedBy:     resolvedBy,
			ActionClass:   a.ActionClass,
			UpstreamID:    a.UpstreamID,
			ToolName:      a.ToolName,
			DomainPattern: a.Resource.Domain,
			Recipient:     a.Resource.Recipient,
			ExpiresAt:     m.now().Add(dur),
		}
		if lease.DomainPattern != "" {
			lease.DomainMatchType = policy.MatchExact
		}
		if err := m.Store.CreateLease(ctx, lease); err != nil {
			// The approval already succeeded; a missing lease only means
			// the next equivalent call asks again.
			slog.Error("create lease after approval failed",
				"approval_id", a.ID, "err", err)
		}
	}

	return m.Store.GetApproval(ctx, a.ID)
}

// DenyOptions tunes a denial.
type DenyOptions struct {
	// CreateRule additionally writes a high-priority deny rule scoped like
	// the denied call, so equivalent calls are refused without a human.
	CreateRule bool
}

// Deny resolves a pending approval as denied. store.ErrConflict when the
// approval is no longer pending.
func (m *Manager) Deny(ctx context.Context, approvalID, resolvedBy, note string, opts DenyOptions) (*store.Approval, error) {
	a, err := m.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a, err = m.expireIfOverdue(ctx, a); err != nil {
		return nil, err
	}
	if a.Status != store.StatusPending {
		return nil, store.ErrConflict
	}

	if err := m.Store.ResolveApproval(ctx, a.ID, store.StatusDenied, resolvedBy, note); err != nil {
		return nil, err
	}

	if opts.CreateRule {
		rule := &policy.Rule{
			WorkspaceID:   a.WorkspaceID,
			Name:          fmt.Sprintf("Deny %s (from approval %s)", a.ToolName, a.ID),
			Priority:      DenyRulePriority,
			Enabled:       true,
			Effect:        policy.EffectDeny,
			ActionClass:   a.ActionClass,
			UpstreamID:    a.UpstreamID,
			ToolName:      a.ToolName,
			DomainPattern: a.Resource.Domain,
			Recipient:     a.Resource.Recipient,
		}
		if rule.DomainPattern != "" {
			rule.DomainMatchType = policy.MatchExact
		}
		if err := m.Store.CreateRule(ctx, rule); err != nil {
			slog.Error("create deny rule after denial failed",
				"approval_id", a.ID, "err", err)
		}
	}

	return m.Store.GetApproval(ctx, a.ID)
}

// RedeemParams identifies the call presenting a token.
type RedeemParams struct {
	WorkspaceID string
	RawToken    string
	ToolName    string
	UpstreamID  string
	ArgsHash    string
	RequestHash string
}

// Redeem validates a presented token against the call and consumes it. The
// checks run in a fixed order: existence, workspace, expiry, prior use, then
// the per-field binding. Binding mismatches leave the token live.
func (m *Manager) Redeem(ctx context.Context, p RedeemParams) (*store.Token, error) {
	tok, err := m.Store.TokenByHash(ctx, canon.HashToken(p.RawToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if tok.WorkspaceID != p.WorkspaceID {
		return nil, ErrTokenInvalid
	}
	now := m.now()
	if now.After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if !tok.ConsumedAt.IsZero() {
		return nil, ErrTokenConsumed
	}

	switch {
	case tok.ToolName != p.ToolName:
		return nil, &BindingError{Field: "tool"}
	case tok.UpstreamID != p.UpstreamID:
		return nil, &BindingError{Field: "upstream"}
	case tok.ArgsHash != p.ArgsHash:
		return nil, &BindingError{Field: "arguments"}
	case tok.RequestHash != p.RequestHash:
		return nil, &BindingError{Field: "request"}
	}

	if err := m.Store.ConsumeToken(ctx, tok.ID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrTokenConsumed
		}
		return nil, err
	}
	tok.ConsumedAt = now
	return tok, nil
}

// PollResult is the agent-facing view of an approval's progress.
type PollResult struct {
	Approval *store.Approval

	// Token is the raw approval token, present exactly once: on the first
	// poll that observes the approved status.
	Token string
}

// Poll returns the approval's current status, expiring it lazily when its
// deadline passed, and releases the raw token on the first approved poll.
func (m *Manager) Poll(ctx context.Context, approvalID string) (*PollResult, error) {
	a, err := m.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	if a, err = m.expireIfOverdue(ctx, a); err != nil {
		return nil, err
	}

	res := &PollResult{Approval: a}
	if a.Status == store.StatusApproved {
		raw, err := m.Store.TakeRawToken(ctx, a.ID)
		switch {
		case err == nil:
			res.Token = raw
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			// Already released, or the token row is gone; the agent keeps
			// whatever it received earlier.
		default:
			return nil, err
		}
	}
	return res, nil
}

// expireIfOverdue applies read-time expiry: a pending approval whose deadline
// passed is resolved to expired before any caller acts on it, so an overdue
// approval can never be approved or denied and never mints a token.
func (m *Manager) expireIfOverdue(ctx context.Context, a *store.Approval) (*store.Approval, error) {
	if a.Status != store.StatusPending || a.ExpiresAt.IsZero() || !m.now().After(a.ExpiresAt) {
		return a, nil
	}
	if err := m.Store.ResolveApproval(ctx, a.ID, store.StatusExpired, "", "Approval request expired"); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	return m.Store.GetApproval(ctx, a.ID)
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// newRawToken returns 32 bytes of randomness in URL-safe base64.
func newRawToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
