package redact

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactSensitiveKeys(t *testing.T) {
	args := map[string]any{
		"to":       "user@gmail.com",
		"subject":  "quarterly numbers",
		"body":     "the full confidential message text",
		"api_key":  "sk-live-abcdef",
		"apitoken": "tok-12345",
		"authkey":  "ak-12345",
		"password": "hunter2",
		"noteId":   "n-1",
	}

	out, meta := Redact(args)

	for _, k := range []string{"body", "api_key", "apitoken", "authkey", "password"} {
		if out[k] != "[REDACTED]" {
			t.Errorf("key %q = %v, want [REDACTED]", k, out[k])
		}
	}
	if out["noteId"] != "n-1" {
		t.Errorf("noteId = %v, want passthrough", out["noteId"])
	}
	if out["to"] != "[EMAIL:*@gmail.com]" {
		t.Errorf("to = %v, want email placeholder", out["to"])
	}
	if meta["to.email_domain"] != "gmail.com" {
		t.Errorf("email domain metadata = %q", meta["to.email_domain"])
	}
	if meta["body.length"] != "34" {
		t.Errorf("body length metadata = %q", meta["body.length"])
	}
}

func TestRedactURLsAndEmails(t *testing.T) {
	args := map[string]any{
		"url":    "https://api.example.com/v1/users?id=42",
		"target": "alice@corp.internal",
	}
	out, meta := Redact(args)

	if out["url"] != "[URL:api.example.com]" {
		t.Errorf("url = %v", out["url"])
	}
	if meta["url.url_host"] != "api.example.com" {
		t.Errorf("url_host = %q", meta["url.url_host"])
	}
	if meta["url.url_path"] != "/v1/users" {
		t.Errorf("url_path = %q", meta["url.url_path"])
	}
	if out["target"] != "[EMAIL:*@corp.internal]" {
		t.Errorf("target = %v", out["target"])
	}
}

func TestRedactValueHeuristics(t *testing.T) {
	long := strings.Repeat("a paragraph of text ", 30) // > 500 chars
	blob := strings.Repeat("QUJDREVG", 20)             // base64-like, > 100
	keyish := "a1B2c3D4e5F6g7H8i9J0k1L2m3N4o5P6"       // 32 mixed alnum
	htmlish := "<div>rendered content</div>"

	args := map[string]any{
		"a": long,
		"b": blob,
		"c": keyish,
		"d": htmlish,
		"e": "short plain value",
	}
	out, _ := Redact(args)

	for _, k := range []string{"a", "b", "c", "d"} {
		s, ok := out[k].(string)
		if !ok || !strings.HasPrefix(s, "[REDACTED:") {
			t.Errorf("key %q = %v, want shape placeholder", k, out[k])
		}
	}
	if out["e"] != "short plain value" {
		t.Errorf("plain value altered: %v", out["e"])
	}
}

func TestRedactArrayTruncation(t *testing.T) {
	items := make([]any, 50)
	for i := range items {
		items[i] = map[string]any{"i": float64(i)}
	}
	out, meta := Redact(map[string]any{"items": items})

	got, ok := out["items"].([]any)
	if !ok {
		t.Fatalf("items is %T", out["items"])
	}
	if len(got) != 3 {
		t.Errorf("sampled array length = %d, want 3", len(got))
	}
	if meta["items._count"] != "50" {
		t.Errorf("array count metadata = %q", meta["items._count"])
	}
}

func TestRedactDropsApprovalToken(t *testing.T) {
	out, _ := Redact(map[string]any{
		"approvalToken": "raw-secret-token",
		"noteId":        "n-1",
	})
	if _, present := out["approvalToken"]; present {
		t.Error("approvalToken must be dropped, not redacted")
	}
	b, _ := json.Marshal(out)
	if strings.Contains(string(b), "raw-secret-token") {
		t.Error("raw token leaked into redacted output")
	}
}

func TestRedactSafetyInvariant(t *testing.T) {
	// No string > 500 chars, no URL, no email local-part, and no sensitive-key
	// value may survive verbatim.
	secret := "the-secret-payload-value"
	long := strings.Repeat("x", 600)
	args := map[string]any{
		"password": secret,
		"nested": map[string]any{
			"content": secret,
			"link":    "https://leak.example.com/secret-path",
			"contact": "bob@example.com",
			"dump":    long,
		},
	}
	out, _ := Redact(args)
	b, _ := json.Marshal(out)
	s := string(b)

	if strings.Contains(s, secret) {
		t.Error("sensitive-key value survived redaction")
	}
	if strings.Contains(s, long) {
		t.Error("long string survived redaction")
	}
	if strings.Contains(s, "leak.example.com/secret-path") {
		t.Error("full URL survived redaction")
	}
	if strings.Contains(s, "bob@") {
		t.Error("email local-part survived redaction")
	}
}

func TestRedactOutputNotLarger(t *testing.T) {
	items := make([]any, 100)
	for i := range items {
		items[i] = "elem"
	}
	args := map[string]any{
		"body":  strings.Repeat("z", 2000),
		"items": items,
		"plain": "ok",
	}
	in, _ := json.Marshal(args)
	out, _ := Redact(args)
	ob, _ := json.Marshal(out)
	if len(ob) > len(in) {
		t.Errorf("redacted output larger than input: %d > %d", len(ob), len(in))
	}
}

func TestIsSensitiveKeyMatching(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"user_password", true},
		{"body", true},
		{"email_body", true},
		{"key", true},
		{"api_key", true},
		{"key_id", true},
		// Concatenated forms with no separator must still redact.
		{"apitoken", true},
		{"authkey", true},
		{"AccessToken", true},
		// Substring matching over-redacts these; that is the safe direction.
		{"monkey", true},
		{"keyboard_layout", true},
		{"noteId", false},
		{"subject", false},
	}
	for _, tc := range cases {
		if got := isSensitiveKey(tc.key); got != tc.want {
			t.Errorf("isSensitiveKey(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}
