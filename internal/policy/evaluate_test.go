package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	rules  []Rule
	leases []Lease
	err    error
}

func (f *fakeSource) ListEnabledRules(ctx context.Context, workspaceID string) ([]Rule, error) {
	return f.rules, f.err
}

func (f *fakeSource) ListActiveLeases(ctx context.Context, workspaceID string, now time.Time) ([]Lease, error) {
	return f.leases, f.err
}

// fakeSmart matches when the condition appears verbatim in the tool name.
type fakeSmart struct {
	calls int
}

func (f *fakeSmart) Evaluate(ctx context.Context, toolName string, args map[string]any, condition string) (SmartResult, error) {
	f.calls++
	if strings.Contains(toolName, condition) {
		return SmartResult{Matches: true, Reason: "tool name mentions " + condition}, nil
	}
	return SmartResult{Matches: false}, nil
}

type failingSmart struct{}

func (failingSmart) Evaluate(ctx context.Context, toolName string, args map[string]any, condition string) (SmartResult, error) {
	return SmartResult{}, errors.New("provider unavailable")
}

func sendContext() Context {
	return Context{
		WorkspaceID: "ws_1",
		ToolName:    "send_email",
		UpstreamID:  "up_mail",
		ActionClass: ActionSend,
		Resource: Resource{
			Domain:          "gmail.com",
			Recipient:       "alice@gmail.com",
			RecipientDomain: "gmail.com",
		},
	}
}

func TestEvaluateDefaultAllow(t *testing.T) {
	e := &Evaluator{Rules: &fakeSource{}}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != OutcomeAllowed {
		t.Errorf("outcome = %q, want allowed", d.Outcome)
	}
	if d.Reason != "Default allow" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluateConfigurableDefault(t *testing.T) {
	e := &Evaluator{Rules: &fakeSource{}, DefaultOutcome: OutcomeApprovalRequired}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != OutcomeApprovalRequired {
		t.Errorf("outcome = %q, want approval_required", d.Outcome)
	}
}

func TestEvaluateSpecificityOrdering(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{rules: []Rule{
		{
			ID: "rule_broad", Enabled: true, Effect: EffectDeny,
			ActionClass: ActionSend, CreatedAt: base,
		},
		{
			ID: "rule_narrow", Enabled: true, Effect: EffectAllow,
			ActionClass: ActionSend, ToolName: "send_email",
			DomainPattern: "gmail.com", DomainMatchType: MatchSuffix,
			CreatedAt: base.Add(-time.Hour),
		},
	}}
	e := &Evaluator{Rules: src}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.MatchedRuleID != "rule_narrow" {
		t.Errorf("matched %q, want the more specific rule despite older creation", d.MatchedRuleID)
	}
	if d.Outcome != OutcomeAllowed {
		t.Errorf("outcome = %q", d.Outcome)
	}
}

func TestEvaluateRecencyTiebreak(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{rules: []Rule{
		{
			ID: "rule_old", Enabled: true, Effect: EffectAllow,
			ActionClass: ActionSend, ToolName: "send_email", CreatedAt: base,
		},
		{
			ID: "rule_new", Enabled: true, Effect: EffectDeny,
			ActionClass: ActionSend, ToolName: "send_email",
			CreatedAt: base.Add(time.Hour),
		},
	}}
	e := &Evaluator{Rules: src}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.MatchedRuleID != "rule_new" {
		t.Errorf("matched %q, want the newer rule at equal specificity", d.MatchedRuleID)
	}
	if d.Outcome != OutcomeDenied {
		t.Errorf("outcome = %q", d.Outcome)
	}
}

func TestEvaluateLeaseAllows(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeSource{
		rules: []Rule{{
			ID: "rule_approve", Enabled: true, Effect: EffectRequireApproval,
			ActionClass: ActionSend, CreatedAt: now.Add(-time.Hour),
		}},
		leases: []Lease{{
			ID: "lease_1", ActionClass: ActionSend, ToolName: "send_email",
			DomainPattern: "gmail.com", DomainMatchType: MatchSuffix,
			ExpiresAt: now.Add(time.Hour), CreatedAt: now,
		}},
	}
	e := &Evaluator{Rules: src}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != OutcomeAllowed || d.MatchedLeaseID != "lease_1" {
		t.Errorf("decision = %+v, want lease allow", d)
	}
}

func TestEvaluateSmartRulePrecedence(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeSource{rules: []Rule{
		{
			ID: "rule_allow", Enabled: true, Effect: EffectAllow,
			ActionClass: ActionSend, ToolName: "send_email",
			DomainPattern: "gmail.com", DomainMatchType: MatchExact,
			CreatedAt: now,
		},
		{
			ID: "rule_smart", Enabled: true, Effect: EffectRequireApproval,
			ActionClass:    ActionAny,
			SmartCondition: "email",
			CreatedAt:      now.Add(-24 * time.Hour),
		},
	}}
	e := &Evaluator{Rules: src, Smart: &fakeSmart{}}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.MatchedRuleID != "rule_smart" {
		t.Errorf("matched %q, want smart rule to win over the pattern rule", d.MatchedRuleID)
	}
	if d.Outcome != OutcomeApprovalRequired {
		t.Errorf("outcome = %q", d.Outcome)
	}
	if !strings.Contains(d.Reason, "tool name mentions email") {
		t.Errorf("reason = %q, want smart reason included", d.Reason)
	}
}

func TestEvaluateSmartMostRecentWins(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{rules: []Rule{
		{
			ID: "smart_old", Enabled: true, Effect: EffectDeny,
			SmartCondition: "send", CreatedAt: base,
		},
		{
			ID: "smart_new", Enabled: true, Effect: EffectRequireApproval,
			SmartCondition: "email", CreatedAt: base.Add(time.Hour),
		},
	}}
	e := &Evaluator{Rules: src, Smart: &fakeSmart{}}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.MatchedRuleID != "smart_new" {
		t.Errorf("matched %q, want the most recent matching smart rule", d.MatchedRuleID)
	}
}

func TestEvaluateSmartPreFilter(t *testing.T) {
	smart := &fakeSmart{}
	src := &fakeSource{rules: []Rule{
		{
			ID: "smart_scoped", Enabled: true, Effect: EffectDeny,
			UpstreamID: "up_other", SmartCondition: "email",
			CreatedAt: time.Now(),
		},
	}}
	e := &Evaluator{Rules: src, Smart: smart}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if smart.calls != 0 {
		t.Errorf("smart evaluator called %d times for out-of-scope rule", smart.calls)
	}
	if d.Outcome != OutcomeAllowed {
		t.Errorf("outcome = %q, want default", d.Outcome)
	}
}

func TestEvaluateSmartFailureDegrades(t *testing.T) {
	src := &fakeSource{rules: []Rule{
		{
			ID: "smart_broken", Enabled: true, Effect: EffectDeny,
			SmartCondition: "anything at all", CreatedAt: time.Now(),
		},
	}}
	e := &Evaluator{Rules: src, Smart: failingSmart{}}
	d, err := e.Evaluate(context.Background(), sendContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != OutcomeAllowed {
		t.Errorf("outcome = %q, want fall-through to default when the evaluator fails", d.Outcome)
	}
}

func TestEvaluateStoreError(t *testing.T) {
	e := &Evaluator{Rules: &fakeSource{err: errors.New("db closed")}}
	if _, err := e.Evaluate(context.Background(), sendContext()); err == nil {
		t.Fatal("want error on store failure")
	}
}

func TestRuleMatchesScopeFilters(t *testing.T) {
	pc := sendContext()
	cases := []struct {
		name string
		rule Rule
		want bool
	}{
		{"any class", Rule{ActionClass: ActionAny}, true},
		{"class match", Rule{ActionClass: ActionSend}, true},
		{"class mismatch", Rule{ActionClass: ActionWrite}, false},
		{"tool case-insensitive", Rule{ActionClass: ActionAny, ToolName: "Send_Email"}, true},
		{"tool mismatch", Rule{ActionClass: ActionAny, ToolName: "delete_note"}, false},
		{"upstream match", Rule{ActionClass: ActionAny, UpstreamID: "up_mail"}, true},
		{"upstream mismatch", Rule{ActionClass: ActionAny, UpstreamID: "up_other"}, false},
		{"recipient match", Rule{ActionClass: ActionAny, Recipient: "alice@gmail.com"}, true},
		{"recipient mismatch", Rule{ActionClass: ActionAny, Recipient: "bob@gmail.com"}, false},
		{"domain exact", Rule{ActionClass: ActionAny, DomainPattern: "gmail.com", DomainMatchType: MatchExact}, true},
		{"domain exact mismatch", Rule{ActionClass: ActionAny, DomainPattern: "mail.gmail.com", DomainMatchType: MatchExact}, false},
		{"domain suffix", Rule{ActionClass: ActionAny, DomainPattern: "com", DomainMatchType: MatchSuffix}, true},
	}
	for _, tc := range cases {
		if got := ruleMatches(tc.rule, pc); got != tc.want {
			t.Errorf("%s: ruleMatches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatchDomainSuffix(t *testing.T) {
	if !matchDomain("example.com", MatchSuffix, "api.example.com") {
		t.Error("subdomain should match suffix pattern")
	}
	if !matchDomain("example.com", MatchSuffix, "example.com") {
		t.Error("exact host should match suffix pattern")
	}
	if matchDomain("example.com", MatchSuffix, "notexample.com") {
		t.Error("notexample.com must not match example.com suffix")
	}
	if matchDomain("example.com", MatchExact, "api.example.com") {
		t.Error("exact match must reject subdomain")
	}
}
