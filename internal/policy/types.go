// Package policy implements the gateway's authorization rules: the rule and
// lease model, and the evaluator that combines them with smart conditions
// into a single decision per tool call.
package policy

import (
	"strings"
	"time"
)

// ActionClass is the verb family of a tool call.
type ActionClass string

const (
	ActionRead          ActionClass = "read"
	ActionWrite         ActionClass = "write"
	ActionSend          ActionClass = "send"
	ActionExecute       ActionClass = "execute"
	ActionSubmit        ActionClass = "submit"
	ActionTransferValue ActionClass = "transfer_value"

	// ActionAny matches every action class. Valid on rules only; a lease
	// always constrains its action class.
	ActionAny ActionClass = "any"
)

// ValidActionClass reports whether s is a known action class.
func ValidActionClass(s string) bool {
	switch ActionClass(s) {
	case ActionRead, ActionWrite, ActionSend, ActionExecute,
		ActionSubmit, ActionTransferValue, ActionAny:
		return true
	}
	return false
}

// Effect is the outcome a rule prescribes when it matches.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Outcome is the final decision of the authorize pipeline.
type Outcome string

const (
	OutcomeAllowed          Outcome = "allowed"
	OutcomeDenied           Outcome = "denied"
	OutcomeApprovalRequired Outcome = "approval_required"
)

// OutcomeOf maps a rule effect to the corresponding decision outcome.
func OutcomeOf(e Effect) Outcome {
	switch e {
	case EffectDeny:
		return OutcomeDenied
	case EffectRequireApproval:
		return OutcomeApprovalRequired
	default:
		return OutcomeAllowed
	}
}

// RiskLevel grades a call by potential impact.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMed      RiskLevel = "med"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFlags is the fixed set of boolean risk signals the classifier derives
// from a call.
type RiskFlags struct {
	ExternalDomain bool `json:"external_domain"`
	NewRecipient   bool `json:"new_recipient"`
	Attachment     bool `json:"attachment"`
	FormSubmit     bool `json:"form_submit"`
	ShellExec      bool `json:"shell_exec"`
	Destructive    bool `json:"destructive"`
}

// Count returns how many flags are set.
func (f RiskFlags) Count() int {
	n := 0
	for _, b := range []bool{
		f.ExternalDomain, f.NewRecipient, f.Attachment,
		f.FormSubmit, f.ShellExec, f.Destructive,
	} {
		if b {
			n++
		}
	}
	return n
}

// Resource is the safe structural metadata extracted from a call's arguments.
type Resource struct {
	Domain          string `json:"domain,omitempty"`
	RecipientDomain string `json:"recipientDomain,omitempty"`
	Recipient       string `json:"recipient,omitempty"`
	URLHost         string `json:"urlHost,omitempty"`
	URLPath         string `json:"urlPath,omitempty"`
}

// MatchType selects how a rule's domain pattern is compared.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchSuffix MatchType = "suffix"
)

// Rule is a workspace policy rule. A rule with a non-empty SmartCondition is
// a smart rule: its domain/recipient filters are ignored and only the
// upstream and tool-name filters apply, as a cheap pre-filter before the
// condition is evaluated.
type Rule struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspace_id"`
	Name        string      `json:"name,omitempty"`
	Priority    int         `json:"priority"`
	Enabled     bool        `json:"enabled"`
	Effect      Effect      `json:"effect"`
	ActionClass ActionClass `json:"action_class"`

	UpstreamID      string    `json:"upstream_id,omitempty"`
	ToolName        string    `json:"tool_name,omitempty"`
	DomainPattern   string    `json:"domain_pattern,omitempty"`
	DomainMatchType MatchType `json:"domain_match_type,omitempty"`
	Recipient       string    `json:"recipient,omitempty"`
	SmartCondition  string    `json:"smart_condition,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsSmart reports whether the rule's predicate is a natural-language
// condition rather than pattern filters.
func (r *Rule) IsSmart() bool {
	return strings.TrimSpace(r.SmartCondition) != ""
}

// Label returns the rule's display name, falling back to its id.
func (r *Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Lease is a time-bounded allowance that bypasses the approval requirement
// for matching calls. Unlike rules, a lease always constrains its action
// class and always means allow.
type Lease struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspace_id"`
	CreatedBy   string      `json:"created_by"`
	ActionClass ActionClass `json:"action_class"`

	UpstreamID      string    `json:"upstream_id,omitempty"`
	ToolName        string    `json:"tool_name,omitempty"`
	DomainPattern   string    `json:"domain_pattern,omitempty"`
	DomainMatchType MatchType `json:"domain_match_type,omitempty"`
	Recipient       string    `json:"recipient,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Context carries everything the evaluator needs about one call.
type Context struct {
	WorkspaceID string
	ToolName    string
	UpstreamID  string
	ActionClass ActionClass
	Resource    Resource
	RiskFlags   RiskFlags

	// Args is the redacted argument tree, passed through to smart-rule
	// evaluation. May be nil.
	Args map[string]any
}

// Decision is the evaluator's verdict for one call.
type Decision struct {
	Outcome Outcome `json:"decision"`
	Reason  string  `json:"reason"`

	// MatchedRuleID / MatchedLeaseID identify what produced the verdict,
	// when anything did.
	MatchedRuleID  string `json:"matched_rule_id,omitempty"`
	MatchedLeaseID string `json:"matched_lease_id,omitempty"`
}

// matchDomain applies a rule/lease domain pattern to a candidate host under
// the given match type. Suffix matching accepts the pattern itself or any
// host ending in ".pattern".
func matchDomain(pattern string, mt MatchType, host string) bool {
	if host == "" {
		return false
	}
	p := strings.ToLower(pattern)
	h := strings.ToLower(host)
	if mt == MatchSuffix {
		return h == p || strings.HasSuffix(h, "."+p)
	}
	return h == p
}
