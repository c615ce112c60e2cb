// Package classify maps a tool call to its action class, risk level, risk
// flags, and resource metadata. The classifier is pure and deterministic: no
// I/O, no state, so the client bridge and the gateway can both run it and
// agree on the result.
package classify

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"agentgate/internal/policy"
)

// Classification is the full classifier output for one tool call.
type Classification struct {
	ActionClass policy.ActionClass `json:"action_class"`
	RiskLevel   policy.RiskLevel   `json:"risk_level"`
	RiskFlags   policy.RiskFlags   `json:"risk_flags"`
	Resource    policy.Resource    `json:"resource"`
}

// Ordered action-class patterns, most restrictive first. The first group that
// matches the tool name wins; transfer_value additionally scans argument text
// because payment verbs often hide in parameters rather than tool names.
var actionPatterns = []struct {
	class    policy.ActionClass
	patterns []*regexp.Regexp
}{
	{policy.ActionTransferValue, compileAll(
		`transfer`, `payment`, `payout`, `\bpay\b`, `wire`, `invoice`,
		`withdraw`, `deposit`, `crypto`, `send_?money`, `refund`,
	)},
	{policy.ActionExecute, compileAll(
		`exec`, `shell`, `\brun\b`, `run_`, `_run`, `command`, `spawn`,
		`\beval\b`, `script`, `terminal`, `bash`, `subprocess`,
	)},
	{policy.ActionSubmit, compileAll(
		`submit`, `form`, `checkout`, `\border\b`, `purchase`, `apply`,
		`register`, `signup`, `sign_?up`,
	)},
	{policy.ActionSend, compileAll(
		`send`, `email`, `\bmail\b`, `message`, `\bpost\b`, `publish`,
		`tweet`, `\bsms\b`, `notify`, `reply`, `forward`, `\bchat\b`, `\bdm\b`,
	)},
	{policy.ActionWrite, compileAll(
		`write`, `create`, `update`, `delete`, `insert`, `upload`, `edit`,
		`\bset\b`, `set_`, `move`, `copy`, `remove`, `drop`, `patch`, `rename`,
		`mkdir`, `save`, `archive`, `destroy`, `truncate`, `purge`, `\brm\b`,
		`modify`, `append`,
	)},
}

var destructivePattern = regexp.MustCompile(
	`delete|drop|destroy|remove|truncate|purge|\brm\b|wipe|erase|kill|terminate|drain|force`)

var formPattern = regexp.MustCompile(`form|submit|checkout`)

var urlPattern = regexp.MustCompile(`https?://[^\s"']+`)

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)

// Hosts that never count as external: loopback, RFC1918, and conventional
// internal suffixes.
var internalHostPrefixes = []string{"127.", "10.", "192.168.", "169.254."}

var internalHostSuffixes = []string{".internal", ".local", ".localhost"}

// attachmentKeys are argument keys whose presence marks the call as carrying
// a file payload.
var attachmentKeys = []string{"attachment", "attachments", "file", "files", "upload", "media"}

// recipientKeys are argument keys checked, in order, for the call's intended
// recipient before falling back to any email-shaped string in the tree.
var recipientKeys = []string{"to", "recipient", "recipients", "email", "address", "cc", "bcc"}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Classify produces the action class, risk flags, risk level, and resource
// metadata for (toolName, args).
func Classify(toolName string, args map[string]any) Classification {
	tool := strings.ToLower(toolName)
	argText := strings.ToLower(stringify(args))

	class := classifyAction(tool, argText)
	res := extractResource(args)
	flags := deriveFlags(tool, argText, class, args, res)
	level := deriveRiskLevel(class, flags)

	return Classification{
		ActionClass: class,
		RiskLevel:   level,
		RiskFlags:   flags,
		Resource:    res,
	}
}

func classifyAction(tool, argText string) policy.ActionClass {
	for _, group := range actionPatterns {
		text := tool
		if group.class == policy.ActionTransferValue {
			text = tool + " " + argText
		}
		for _, re := range group.patterns {
			if re.MatchString(text) {
				return group.class
			}
		}
	}
	return policy.ActionRead
}

func deriveFlags(tool, argText string, class policy.ActionClass, args map[string]any, res policy.Resource) policy.RiskFlags {
	var flags policy.RiskFlags

	flags.ShellExec = class == policy.ActionExecute
	flags.FormSubmit = class == policy.ActionSubmit || formPattern.MatchString(tool)
	flags.Destructive = destructivePattern.MatchString(tool) || destructivePattern.MatchString(argText)

	for _, k := range attachmentKeys {
		if _, ok := args[k]; ok {
			flags.Attachment = true
			break
		}
	}

	for _, d := range []string{res.Domain, res.URLHost, res.RecipientDomain} {
		if d != "" && !isInternalHost(d) {
			flags.ExternalDomain = true
			break
		}
	}

	// Without a recipient history every externally-addressed recipient is
	// treated as new; the evaluator's recipient-scoped rules refine this.
	if res.Recipient != "" && res.RecipientDomain != "" && !isInternalHost(res.RecipientDomain) {
		flags.NewRecipient = true
	}

	return flags
}

func deriveRiskLevel(class policy.ActionClass, flags policy.RiskFlags) policy.RiskLevel {
	var level policy.RiskLevel
	switch class {
	case policy.ActionTransferValue:
		level = policy.RiskCritical
	case policy.ActionExecute:
		level = policy.RiskHigh
	case policy.ActionSubmit:
		if flags.Destructive {
			level = policy.RiskHigh
		} else {
			level = policy.RiskMed
		}
	case policy.ActionSend:
		if flags.ExternalDomain {
			level = policy.RiskMed
		} else {
			level = policy.RiskLow
		}
	case policy.ActionWrite:
		if flags.Destructive {
			level = policy.RiskMed
		} else {
			level = policy.RiskLow
		}
	default:
		level = policy.RiskLow
	}

	if level == policy.RiskLow && flags.Count() >= 3 {
		level = policy.RiskMed
	}
	return level
}

// extractResource walks the argument tree for URL- and email-shaped strings.
// Recipient keys take priority over incidental addresses elsewhere in the
// arguments.
func extractResource(args map[string]any) policy.Resource {
	var res policy.Resource

	for _, k := range recipientKeys {
		if v, ok := args[k]; ok {
			if addr := firstEmail(stringify(v)); addr != "" {
				res.Recipient = addr
				res.RecipientDomain = domainOf(addr)
				break
			}
		}
	}

	text := stringify(args)

	if raw := urlPattern.FindString(text); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			res.URLHost = u.Hostname()
			res.URLPath = u.Path
			res.Domain = u.Hostname()
		}
	}

	if res.Recipient == "" {
		if addr := firstEmail(text); addr != "" {
			res.Recipient = addr
			res.RecipientDomain = domainOf(addr)
		}
	}
	if res.Domain == "" && res.RecipientDomain != "" {
		res.Domain = res.RecipientDomain
	}

	return res
}

func firstEmail(s string) string {
	return emailPattern.FindString(s)
}

func domainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

func isInternalHost(host string) bool {
	h := strings.ToLower(host)
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return true
	}
	for _, p := range internalHostPrefixes {
		if strings.HasPrefix(h, p) {
			return true
		}
	}
	// RFC1918 172.16.0.0/12.
	if strings.HasPrefix(h, "172.") {
		parts := strings.SplitN(h, ".", 3)
		if len(parts) >= 2 {
			switch parts[1] {
			case "16", "17", "18", "19", "20", "21", "22", "23",
				"24", "25", "26", "27", "28", "29", "30", "31":
				return true
			}
		}
	}
	for _, s := range internalHostSuffixes {
		if strings.HasSuffix(h, s) {
			return true
		}
	}
	return false
}

// stringify flattens an argument value to searchable text. JSON encoding is
// good enough: the classifier only needs substring and pattern visibility.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
