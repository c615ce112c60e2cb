// Package smartrule evaluates natural-language rule conditions against tool
// calls. The primary evaluator asks an LLM for a structured yes/no verdict;
// a keyword heuristic stands in when no model is configured or the model
// call fails, so the authorize path never blocks on provider availability.
package smartrule

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"agentgate/internal/policy"
)

// sensitivePatterns are condition-independent red flags. When the condition
// talks about sensitive or secret material and the call arguments touch any
// of these, the heuristic matches without needing word overlap.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.env\b`),
	regexp.MustCompile(`(?i)\bpassword`),
	regexp.MustCompile(`(?i)\bcredential`),
	regexp.MustCompile(`(?i)\bapi[ _-]?key`),
	regexp.MustCompile(`(?i)\bssh\b`),
	regexp.MustCompile(`(?i)/etc/passwd`),
	regexp.MustCompile(`(?i)/etc/shadow`),
	regexp.MustCompile(`(?i)\bid_rsa\b`),
	regexp.MustCompile(`(?i)~/\.ssh`),
	regexp.MustCompile(`(?i)\bsecret`),
	regexp.MustCompile(`(?i)\btoken\b`),
}

var sensitiveConditionWords = []string{"sensitive", "secret", "credential", "password", "key", "private"}

// stopWords are excluded from content-word overlap so filler does not count
// as a match.
var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true, "into": true,
	"when": true, "where": true, "which": true, "their": true, "there": true,
	"about": true, "should": true, "would": true, "could": true, "must": true,
	"any": true, "all": true, "the": true, "and": true, "for": true,
	"not": true, "are": true, "was": true, "has": true, "have": true,
	"tool": true, "call": true, "calls": true, "agent": true, "request": true,
	"involving": true, "involves": true, "contains": true, "containing": true,
	"mentions": true, "mentioning": true, "appears": true, "looks": true,
	"like": true, "block": true, "deny": true, "allow": true, "require": true,
	"approval": true,
}

var wordPattern = regexp.MustCompile(`[a-z0-9_./-]+`)

// Heuristic is the no-LLM fallback evaluator: keyword overlap between the
// condition and the call, plus a fixed list of sensitive-content patterns.
type Heuristic struct{}

func (Heuristic) Evaluate(ctx context.Context, toolName string, args map[string]any, condition string) (policy.SmartResult, error) {
	text := strings.ToLower(toolName + " " + flatten(args))
	cond := strings.ToLower(condition)

	if conditionMentionsSensitive(cond) {
		for _, re := range sensitivePatterns {
			if loc := re.FindString(text); loc != "" {
				return policy.SmartResult{
					Matches: true,
					Reason:  "arguments reference sensitive material (" + strings.TrimSpace(loc) + ")",
				}, nil
			}
		}
	}

	for _, w := range wordPattern.FindAllString(cond, -1) {
		if len(w) < 4 || stopWords[w] {
			continue
		}
		// Fold simple plurals so "invoices" in a condition still matches a
		// call mentioning "invoice".
		singular := strings.TrimSuffix(w, "s")
		if strings.Contains(text, w) || (len(singular) >= 4 && strings.Contains(text, singular)) {
			return policy.SmartResult{
				Matches: true,
				Reason:  "call mentions " + singular,
			}, nil
		}
	}

	return policy.SmartResult{Matches: false, Reason: "no keyword overlap with condition"}, nil
}

func conditionMentionsSensitive(cond string) bool {
	for _, w := range sensitiveConditionWords {
		if strings.Contains(cond, w) {
			return true
		}
	}
	return false
}

// flatten renders the argument tree as searchable text.
func flatten(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}
