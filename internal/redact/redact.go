// Package redact strips secrets and bulk content from tool-call argument
// trees before they are persisted or shown to reviewers.
//
// # Threat model
//
// Raw argument values (message bodies, credentials, file contents, command
// output) must never appear in:
//   - the gateway's audit records
//   - approval prompts pushed to human reviewers
//   - log lines emitted by the gateway or the client bridge
//
// Redaction keeps enough shape (hosts, domains, lengths, counts) for a
// reviewer to judge the call without seeing the payload. The full fidelity
// needed for enforcement lives in the args hash, not in the redacted copy.
package redact

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"
)

const placeholder = "[REDACTED]"

// maxPlainString is the longest string value persisted verbatim.
const maxPlainString = 500

// maxArrayLen is the largest array persisted in full; longer arrays are
// sampled down to sampleLen elements.
const (
	maxArrayLen = 10
	sampleLen   = 3
)

// sensitiveKeyWords is the fixed list of key fragments that force redaction.
// A key matches when its lowercased form equals a word, contains it, or abuts
// it with an underscore (body, email_body, body_html all match "body").
var sensitiveKeyWords = []string{
	"password", "passwd", "secret", "token", "credential", "apikey", "api_key",
	"auth", "key", "cookie", "session",
	"body", "content", "message", "text", "html",
	"output", "stdout", "stderr", "result",
	"file", "blob", "data", "attachment", "payload",
}

// Redact returns a copy of args safe to persist plus a flat metadata map of
// safe extracts (url_host, url_path, email_domain, string lengths, array and
// object counts). The output tree is never larger than the input: values are
// replaced or dropped, never expanded.
func Redact(args map[string]any) (map[string]any, map[string]string) {
	meta := make(map[string]string)
	out := redactObject(args, "", meta, true)
	return out, meta
}

func redactObject(obj map[string]any, path string, meta map[string]string, topLevel bool) map[string]any {
	if obj == nil {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		// The approval token is transport plumbing; never echo it anywhere.
		if topLevel && k == "approvalToken" {
			continue
		}
		childPath := joinPath(path, k)
		if isSensitiveKey(k) {
			extractMeta(childPath, v, meta)
			out[k] = placeholder
			continue
		}
		out[k] = redactValue(v, childPath, meta)
	}
	if len(obj) > 0 {
		meta[joinPath(path, "_keys")] = fmt.Sprintf("%d", len(obj))
	}
	return out
}

func redactValue(v any, path string, meta map[string]string) any {
	switch t := v.(type) {
	case map[string]any:
		return redactObject(t, path, meta, false)
	case []any:
		if len(t) > maxArrayLen {
			meta[joinPath(path, "_count")] = fmt.Sprintf("%d", len(t))
			// Sample head, middle, tail so reviewers see the spread.
			sampled := []any{t[0], t[len(t)/2], t[len(t)-1]}
			out := make([]any, 0, sampleLen)
			for i, e := range sampled {
				out = append(out, redactValue(e, fmt.Sprintf("%s[%d]", path, i), meta))
			}
			return out
		}
		out := make([]any, 0, len(t))
		for i, e := range t {
			out = append(out, redactValue(e, fmt.Sprintf("%s[%d]", path, i), meta))
		}
		return out
	case string:
		return redactString(t, path, meta)
	default:
		// Numbers, booleans, null carry no payload risk.
		return v
	}
}

func redactString(s, path string, meta map[string]string) any {
	if host := urlHost(s); host != "" {
		meta[joinPath(path, "url_host")] = host
		if p := urlPath(s); p != "" {
			meta[joinPath(path, "url_path")] = p
		}
		return "[URL:" + host + "]"
	}
	if domain := emailDomain(s); domain != "" {
		meta[joinPath(path, "email_domain")] = domain
		return "[EMAIL:*@" + domain + "]"
	}
	if looksSensitive(s) {
		meta[joinPath(path, "length")] = fmt.Sprintf("%d", len(s))
		return fmt.Sprintf("[REDACTED:%d chars]", len(s))
	}
	return s
}

// looksSensitive applies the value heuristics: very long strings, base64-like
// blobs, high-entropy identifiers, and HTML fragments are all treated as
// content rather than metadata.
func looksSensitive(s string) bool {
	if len(s) > maxPlainString {
		return true
	}
	if len(s) > 100 && isBase64Like(s) {
		return true
	}
	if len(s) >= 32 && isHighEntropyAlnum(s) {
		return true
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, ">") {
		return true
	}
	return false
}

func isBase64Like(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '=' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// isHighEntropyAlnum reports whether s is one long alphanumeric run mixing
// cases and digits, the shape of API keys and session identifiers.
func isHighEntropyAlnum(s string) bool {
	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			return false
		}
	}
	return (upper && lower && digit) || (digit && (upper || lower) && len(s) >= 40)
}

// isSensitiveKey uses plain substring matching: "monkey" redacts because of
// "key", and that false positive is accepted. Over-redaction of a benign key
// is harmless; leaking one secret is not.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveKeyWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// extractMeta records safe shape information about a value that is being
// replaced wholesale because of its key.
func extractMeta(path string, v any, meta map[string]string) {
	switch t := v.(type) {
	case string:
		if host := urlHost(t); host != "" {
			meta[joinPath(path, "url_host")] = host
			if p := urlPath(t); p != "" {
				meta[joinPath(path, "url_path")] = p
			}
			return
		}
		if domain := emailDomain(t); domain != "" {
			meta[joinPath(path, "email_domain")] = domain
			return
		}
		meta[joinPath(path, "length")] = fmt.Sprintf("%d", len(t))
	case []any:
		meta[joinPath(path, "_count")] = fmt.Sprintf("%d", len(t))
	case map[string]any:
		meta[joinPath(path, "_keys")] = fmt.Sprintf("%d", len(t))
	}
}

func urlHost(s string) string {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

func urlPath(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return u.Path
}

func emailDomain(s string) string {
	if !strings.Contains(s, "@") || strings.ContainsAny(s, " \t\n") {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return ""
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 1 || at == len(addr.Address)-1 {
		return ""
	}
	return addr.Address[at+1:]
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
