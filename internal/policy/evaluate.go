package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// RuleSource is the slice of the store the evaluator reads. Listings are
// point-in-time snapshots; the evaluator takes no locks.
type RuleSource interface {
	ListEnabledRules(ctx context.Context, workspaceID string) ([]Rule, error)
	ListActiveLeases(ctx context.Context, workspaceID string, now time.Time) ([]Lease, error)
}

// SmartResult is the verdict of a smart-condition evaluation.
type SmartResult struct {
	Matches bool   `json:"matches"`
	Reason  string `json:"reason"`
}

// SmartEvaluator evaluates a natural-language condition against a call.
// Implementations must be cancellation-aware and must degrade internally
// (e.g. to a keyword heuristic) rather than fail the authorize path.
type SmartEvaluator interface {
	Evaluate(ctx context.Context, toolName string, args map[string]any, condition string) (SmartResult, error)
}

// Evaluator combines pattern rules, leases, and smart rules into a decision.
type Evaluator struct {
	Rules RuleSource
	Smart SmartEvaluator

	// DefaultOutcome applies when nothing matches. Zero value means the
	// baseline permissive default.
	DefaultOutcome Outcome
	DefaultReason  string

	// SmartTimeout bounds each smart-condition evaluation. Zero means
	// DefaultSmartTimeout.
	SmartTimeout time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

// DefaultSmartTimeout bounds a single smart-rule evaluation, LLM call
// included.
const DefaultSmartTimeout = 5 * time.Second

// Evaluate runs the decision pipeline for one call. It returns an error only
// for store failures; smart-evaluator trouble degrades to "no match".
func (e *Evaluator) Evaluate(ctx context.Context, pc Context) (Decision, error) {
	now := e.now()

	rules, err := e.Rules.ListEnabledRules(ctx, pc.WorkspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: list rules: %w", err)
	}
	leases, err := e.Rules.ListActiveLeases(ctx, pc.WorkspaceID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: list leases: %w", err)
	}

	var smart, pattern []Rule
	for _, r := range rules {
		if r.IsSmart() {
			smart = append(smart, r)
		} else {
			pattern = append(pattern, r)
		}
	}

	// Smart rules take precedence over everything else.
	if d, ok := e.evaluateSmart(ctx, pc, smart); ok {
		return d, nil
	}

	type candidate struct {
		key       [5]int
		createdAt time.Time
		decision  Decision
	}
	var candidates []candidate

	for _, r := range pattern {
		if !ruleMatches(r, pc) {
			continue
		}
		candidates = append(candidates, candidate{
			key:       specificityKey(r.ToolName, r.UpstreamID, r.Recipient, r.DomainPattern, r.ActionClass != ActionAny),
			createdAt: r.CreatedAt,
			decision: Decision{
				Outcome:       OutcomeOf(r.Effect),
				Reason:        fmt.Sprintf("Matched rule %s (%s)", r.Label(), r.Effect),
				MatchedRuleID: r.ID,
			},
		})
	}

	for _, l := range leases {
		if !leaseMatches(l, pc) {
			continue
		}
		// A lease always constrains its action class, so its specificity
		// key always carries that component.
		candidates = append(candidates, candidate{
			key:       specificityKey(l.ToolName, l.UpstreamID, l.Recipient, l.DomainPattern, true),
			createdAt: l.CreatedAt,
			decision: Decision{
				Outcome:        OutcomeAllowed,
				Reason:         fmt.Sprintf("Allowed by active lease %s (expires %s)", l.ID, l.ExpiresAt.UTC().Format(time.RFC3339)),
				MatchedLeaseID: l.ID,
			},
		})
	}

	if len(candidates) == 0 {
		return e.defaultDecision(), nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		for k := 0; k < 5; k++ {
			if candidates[i].key[k] != candidates[j].key[k] {
				return candidates[i].key[k] > candidates[j].key[k]
			}
		}
		return candidates[i].createdAt.After(candidates[j].createdAt)
	})

	return candidates[0].decision, nil
}

// evaluateSmart runs all in-scope smart rules concurrently and, if any
// condition matches, returns the decision of the most recently created match.
func (e *Evaluator) evaluateSmart(ctx context.Context, pc Context, rules []Rule) (Decision, bool) {
	if e.Smart == nil || len(rules) == 0 {
		return Decision{}, false
	}

	type match struct {
		rule   Rule
		reason string
	}
	var (
		mu      sync.Mutex
		matches []match
		wg      sync.WaitGroup
	)

	timeout := e.SmartTimeout
	if timeout <= 0 {
		timeout = DefaultSmartTimeout
	}

	for _, r := range rules {
		// Cheap pre-filter: only upstream and tool-name scope apply to
		// smart rules.
		if r.UpstreamID != "" && r.UpstreamID != pc.UpstreamID {
			continue
		}
		if r.ToolName != "" && !strings.EqualFold(r.ToolName, pc.ToolName) {
			continue
		}

		wg.Add(1)
		go func(r Rule) {
			defer wg.Done()
			evalCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			res, err := e.Smart.Evaluate(evalCtx, pc.ToolName, pc.Args, r.SmartCondition)
			if err != nil {
				slog.Warn("smart rule evaluation failed",
					"rule_id", r.ID, "err", err)
				return
			}
			if res.Matches {
				mu.Lock()
				matches = append(matches, match{rule: r, reason: res.Reason})
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	if len(matches) == 0 {
		return Decision{}, false
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m.rule.CreatedAt.After(best.rule.CreatedAt) {
			best = m
		}
	}

	reason := fmt.Sprintf("Smart rule %s matched: %s", best.rule.Label(), best.reason)
	return Decision{
		Outcome:       OutcomeOf(best.rule.Effect),
		Reason:        reason,
		MatchedRuleID: best.rule.ID,
	}, true
}

func (e *Evaluator) defaultDecision() Decision {
	outcome := e.DefaultOutcome
	if outcome == "" {
		outcome = OutcomeAllowed
	}
	reason := e.DefaultReason
	if reason == "" {
		switch outcome {
		case OutcomeAllowed:
			reason = "Default allow"
		case OutcomeDenied:
			reason = "Default deny"
		default:
			reason = "Default approval required"
		}
	}
	return Decision{Outcome: outcome, Reason: reason}
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// ruleMatches applies a pattern rule's scope filters to the call context.
func ruleMatches(r Rule, pc Context) bool {
	if r.ActionClass != ActionAny && r.ActionClass != pc.ActionClass {
		return false
	}
	if r.UpstreamID != "" && r.UpstreamID != pc.UpstreamID {
		return false
	}
	if r.ToolName != "" && !strings.EqualFold(r.ToolName, pc.ToolName) {
		return false
	}
	if r.Recipient != "" && !strings.EqualFold(r.Recipient, pc.Resource.Recipient) {
		return false
	}
	if r.DomainPattern != "" {
		if !matchDomain(r.DomainPattern, r.DomainMatchType, pc.Resource.Domain) &&
			!matchDomain(r.DomainPattern, r.DomainMatchType, pc.Resource.URLHost) {
			return false
		}
	}
	return true
}

func leaseMatches(l Lease, pc Context) bool {
	if l.ActionClass != pc.ActionClass {
		return false
	}
	if l.UpstreamID != "" && l.UpstreamID != pc.UpstreamID {
		return false
	}
	if l.ToolName != "" && !strings.EqualFold(l.ToolName, pc.ToolName) {
		return false
	}
	if l.Recipient != "" && !strings.EqualFold(l.Recipient, pc.Resource.Recipient) {
		return false
	}
	if l.DomainPattern != "" {
		if !matchDomain(l.DomainPattern, l.DomainMatchType, pc.Resource.Domain) &&
			!matchDomain(l.DomainPattern, l.DomainMatchType, pc.Resource.URLHost) {
			return false
		}
	}
	return true
}

// specificityKey builds the 5-tuple used to rank matching rules and leases:
// each component is 1 when the corresponding scope filter is set.
func specificityKey(toolName, upstreamID, recipient, domain string, classConstrained bool) [5]int {
	var key [5]int
	if toolName != "" {
		key[0] = 1
	}
	if upstreamID != "" {
		key[1] = 1
	}
	if recipient != "" {
		key[2] = 1
	}
	if domain != "" {
		key[3] = 1
	}
	if classConstrained {
		key[4] = 1
	}
	return key
}
