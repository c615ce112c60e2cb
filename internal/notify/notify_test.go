package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentgate/internal/policy"
	"agentgate/internal/store"
)

func TestNewReturnsNopWhenUnconfigured(t *testing.T) {
	if _, ok := New(Config{}).(Nop); !ok {
		t.Error("empty config should produce Nop")
	}
	if _, ok := New(Config{SMTPHost: "smtp.example.com"}).(Nop); !ok {
		t.Error("SMTP host without recipients should produce Nop")
	}
	if _, ok := New(Config{WebhookURL: "http://hook"}).(*Webhook); !ok {
		t.Error("webhook URL should produce Webhook")
	}
}

func TestWebhookPayload(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		got <- payload
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL})
	n.NotifyCreated(context.Background(), &store.Approval{
		ID:          "apr_1",
		WorkspaceID: "ws_1",
		Status:      store.StatusPending,
		ActionClass: policy.ActionSend,
		RiskLevel:   policy.RiskMed,
		ToolName:    "send_email",
		AgentName:   "researcher",
		Resource:    policy.Resource{Recipient: "a@gmail.com", Domain: "gmail.com"},
		Reason:      "external recipient",
		CreatedAt:   time.Now().UTC(),
	})

	select {
	case payload := <-got:
		if payload["event_type"] != "approval_created" {
			t.Errorf("event_type = %v", payload["event_type"])
		}
		if payload["approval_id"] != "apr_1" || payload["tool"] != "send_email" {
			t.Errorf("payload = %v", payload)
		}
		if payload["recipient"] != "a@gmail.com" {
			t.Errorf("recipient = %v", payload["recipient"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestWebhookResolvedIncludesResolution(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		got <- payload
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL})
	n.NotifyResolved(context.Background(), &store.Approval{
		ID:             "apr_2",
		Status:         store.StatusDenied,
		ToolName:       "send_email",
		ResolvedBy:     "bob",
		ResolvedAt:     time.Now().UTC(),
		ResolutionNote: "not allowed",
	})

	select {
	case payload := <-got:
		if payload["event_type"] != "approval_resolved" {
			t.Errorf("event_type = %v", payload["event_type"])
		}
		if payload["resolved_by"] != "bob" || payload["resolution_note"] != "not allowed" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestSlackPayloadShape(t *testing.T) {
	payload := slackPayload(&store.Approval{
		ID:          "apr_3",
		Status:      store.StatusApproved,
		ActionClass: policy.ActionExecute,
		RiskLevel:   policy.RiskHigh,
		ToolName:    "run_command",
		ResolvedBy:  "alice",
	})
	atts, ok := payload["attachments"].([]map[string]any)
	if !ok || len(atts) != 1 {
		t.Fatalf("attachments = %v", payload["attachments"])
	}
	if atts[0]["color"] != "#36A64F" {
		t.Errorf("approved color = %v", atts[0]["color"])
	}
}
