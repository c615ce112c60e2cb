package classify

import (
	"testing"

	"agentgate/internal/policy"
)

func TestClassifyActionClasses(t *testing.T) {
	cases := []struct {
		tool string
		args map[string]any
		want policy.ActionClass
	}{
		{"read_note", nil, policy.ActionRead},
		{"list_files", nil, policy.ActionRead},
		{"get_weather", nil, policy.ActionRead},
		{"search_docs", nil, policy.ActionRead},

		{"create_note", nil, policy.ActionWrite},
		{"delete_file", nil, policy.ActionWrite},
		{"update_record", nil, policy.ActionWrite},
		{"upload_document", nil, policy.ActionWrite},

		{"send_email", nil, policy.ActionSend},
		{"post_message", nil, policy.ActionSend},
		{"publish_article", nil, policy.ActionSend},
		{"slack_notify", nil, policy.ActionSend},

		{"run_command", nil, policy.ActionExecute},
		{"shell", nil, policy.ActionExecute},
		{"execute_script", nil, policy.ActionExecute},
		{"spawn_terminal", nil, policy.ActionExecute},

		{"submit_form", nil, policy.ActionSubmit},
		{"checkout_cart", nil, policy.ActionSubmit},
		{"register_account", nil, policy.ActionSubmit},

		{"transfer_funds", nil, policy.ActionTransferValue},
		{"create_payment", nil, policy.ActionTransferValue},
		{"wire_money", nil, policy.ActionTransferValue},
	}
	for _, tc := range cases {
		got := Classify(tc.tool, tc.args)
		if got.ActionClass != tc.want {
			t.Errorf("Classify(%q) class = %q, want %q", tc.tool, got.ActionClass, tc.want)
		}
	}
}

func TestClassifyMostRestrictiveWins(t *testing.T) {
	// "send_payment" matches both send and transfer_value patterns.
	got := Classify("send_payment", nil)
	if got.ActionClass != policy.ActionTransferValue {
		t.Errorf("class = %q, want transfer_value over send", got.ActionClass)
	}
}

func TestClassifyTransferValueFromArgs(t *testing.T) {
	got := Classify("browser_click", map[string]any{
		"selector": "#confirm",
		"page":     "complete your payment of $500",
	})
	if got.ActionClass != policy.ActionTransferValue {
		t.Errorf("class = %q, want transfer_value from argument text", got.ActionClass)
	}
	if got.RiskLevel != policy.RiskCritical {
		t.Errorf("risk = %q, want critical", got.RiskLevel)
	}
}

func TestClassifyRiskLevels(t *testing.T) {
	cases := []struct {
		tool string
		args map[string]any
		want policy.RiskLevel
	}{
		{"run_command", map[string]any{"cmd": "ls"}, policy.RiskHigh},
		{"read_note", map[string]any{"id": "n1"}, policy.RiskLow},
		{"create_note", map[string]any{"title": "x"}, policy.RiskLow},
		{"delete_database", map[string]any{"name": "prod"}, policy.RiskMed},
		{"send_email", map[string]any{"to": "a@gmail.com"}, policy.RiskMed},
		{"send_email", map[string]any{"to": "ops@corp.internal"}, policy.RiskLow},
		{"submit_form", map[string]any{"form": "contact"}, policy.RiskMed},
	}
	for _, tc := range cases {
		got := Classify(tc.tool, tc.args)
		if got.RiskLevel != tc.want {
			t.Errorf("Classify(%q, %v) risk = %q, want %q", tc.tool, tc.args, got.RiskLevel, tc.want)
		}
	}
}

func TestClassifyFlags(t *testing.T) {
	got := Classify("send_email", map[string]any{
		"to":          "alice@gmail.com",
		"attachments": []any{"report.pdf"},
	})
	if !got.RiskFlags.ExternalDomain {
		t.Error("external recipient domain should set external_domain")
	}
	if !got.RiskFlags.NewRecipient {
		t.Error("external recipient should set new_recipient")
	}
	if !got.RiskFlags.Attachment {
		t.Error("attachments key should set attachment")
	}
	if got.RiskFlags.ShellExec || got.RiskFlags.FormSubmit {
		t.Errorf("unexpected flags: %+v", got.RiskFlags)
	}

	got = Classify("run_command", map[string]any{"cmd": "rm -rf /tmp/x"})
	if !got.RiskFlags.ShellExec {
		t.Error("execute class should set shell_exec")
	}
	if !got.RiskFlags.Destructive {
		t.Error("rm in arguments should set destructive")
	}
}

func TestClassifyResourceExtraction(t *testing.T) {
	got := Classify("fetch_page", map[string]any{
		"url": "https://api.example.com/v1/users?id=42",
	})
	if got.Resource.URLHost != "api.example.com" {
		t.Errorf("url host = %q", got.Resource.URLHost)
	}
	if got.Resource.URLPath != "/v1/users" {
		t.Errorf("url path = %q", got.Resource.URLPath)
	}
	if got.Resource.Domain != "api.example.com" {
		t.Errorf("domain = %q", got.Resource.Domain)
	}

	got = Classify("send_email", map[string]any{
		"to":   "Bob@Example.com",
		"body": "see https://tracker.internal/t/1",
	})
	if got.Resource.Recipient != "Bob@Example.com" {
		t.Errorf("recipient = %q", got.Resource.Recipient)
	}
	if got.Resource.RecipientDomain != "example.com" {
		t.Errorf("recipient domain = %q, want lowercased", got.Resource.RecipientDomain)
	}
}

func TestClassifyInternalHosts(t *testing.T) {
	for _, host := range []string{
		"localhost", "127.0.0.1", "10.0.0.5", "192.168.1.9",
		"172.16.0.1", "172.31.255.1", "db.internal", "printer.local",
	} {
		if !isInternalHost(host) {
			t.Errorf("isInternalHost(%q) = false, want true", host)
		}
	}
	for _, host := range []string{
		"example.com", "172.32.0.1", "172.1.0.1", "internal.example.com",
	} {
		if isInternalHost(host) {
			t.Errorf("isInternalHost(%q) = true, want false", host)
		}
	}
}

func TestClassifyDeterministic(t *testing.T) {
	args := map[string]any{"to": "a@b.com", "subject": "hi", "attachments": []any{"x"}}
	first := Classify("send_email", args)
	for i := 0; i < 10; i++ {
		if got := Classify("send_email", args); got != first {
			t.Fatalf("classification varies between runs: %+v vs %+v", got, first)
		}
	}
}
