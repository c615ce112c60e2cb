// Package notify pushes approval events to reviewers. Notifications are
// best-effort: failures are logged and never surface on the authorize path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"agentgate/internal/store"
)

// Notifier receives approval lifecycle events.
type Notifier interface {
	NotifyCreated(ctx context.Context, a *store.Approval)
	NotifyResolved(ctx context.Context, a *store.Approval)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) NotifyCreated(ctx context.Context, a *store.Approval)  {}
func (Nop) NotifyResolved(ctx context.Context, a *store.Approval) {}

// Config configures the webhook/email notifier.
type Config struct {
	WebhookURL string
	// BaseURL is the gateway's management address, used for approve/deny
	// instructions in emails.
	BaseURL string

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string
	EmailTo      string // comma-separated
}

// Webhook notifies a webhook endpoint (Slack-aware) and optionally email.
type Webhook struct {
	webhookURL string
	baseURL    string

	smtpHost     string
	smtpPort     string
	smtpUser     string
	smtpPassword string
	emailFrom    string
	emailTo      []string

	client *http.Client
}

// New builds a notifier from config. When nothing is configured it returns
// Nop so callers never branch.
func New(cfg Config) Notifier {
	var emailTo []string
	for _, e := range strings.Split(cfg.EmailTo, ",") {
		if e = strings.TrimSpace(e); e != "" {
			emailTo = append(emailTo, e)
		}
	}

	if cfg.WebhookURL == "" && (cfg.SMTPHost == "" || len(emailTo) == 0) {
		return Nop{}
	}

	return &Webhook{
		webhookURL:   cfg.WebhookURL,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		smtpHost:     cfg.SMTPHost,
		smtpPort:     cfg.SMTPPort,
		smtpUser:     cfg.SMTPUser,
		smtpPassword: cfg.SMTPPassword,
		emailFrom:    cfg.EmailFrom,
		emailTo:      emailTo,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyCreated announces a new pending approval.
func (n *Webhook) NotifyCreated(ctx context.Context, a *store.Approval) {
	if n.webhookURL != "" {
		go n.sendWebhook(a, "created")
	}
	if n.smtpHost != "" && len(n.emailTo) > 0 {
		go n.sendEmail(a, "created")
	}
}

// NotifyResolved announces a resolution. Emails go out for denials only;
// approvals reach the agent through polling anyway.
func (n *Webhook) NotifyResolved(ctx context.Context, a *store.Approval) {
	if n.webhookURL != "" {
		go n.sendWebhook(a, "resolved")
	}
	if n.smtpHost != "" && len(n.emailTo) > 0 && a.Status == store.StatusDenied {
		go n.sendEmail(a, "resolved")
	}
}

func (n *Webhook) sendWebhook(a *store.Approval, eventType string) {
	payload := map[string]any{
		"event_type":   "approval_" + eventType,
		"approval_id":  a.ID,
		"workspace_id": a.WorkspaceID,
		"status":       a.Status,
		"action":       a.ActionClass,
		"risk":         a.RiskLevel,
		"tool":         a.ToolName,
		"agent":        a.AgentName,
		"reason":       a.Reason,
		"created_at":   a.CreatedAt.Format(time.RFC3339),
		"timestamp":    time.Now().Format(time.RFC3339),
	}
	if a.Resource.Recipient != "" {
		payload["recipient"] = a.Resource.Recipient
	}
	if a.Resource.Domain != "" {
		payload["domain"] = a.Resource.Domain
	}
	if a.ResolvedBy != "" {
		payload["resolved_by"] = a.ResolvedBy
		payload["resolved_at"] = a.ResolvedAt.Format(time.RFC3339)
		payload["resolution_note"] = a.ResolutionNote
	}
	if !a.ExpiresAt.IsZero() {
		payload["expires_at"] = a.ExpiresAt.Format(time.RFC3339)
	}

	// Slack-compatible format
	if strings.Contains(n.webhookURL, "slack.com") {
		payload = slackPayload(a)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal webhook payload", "err", err)
		return
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Error("failed to send approval webhook", "err", err, "approval_id", a.ID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Error("approval webhook returned error", "status", resp.StatusCode, "approval_id", a.ID)
	} else {
		slog.Debug("approval webhook sent", "approval_id", a.ID, "event", eventType)
	}
}

func slackPayload(a *store.Approval) map[string]any {
	emoji := ":hourglass:"
	color := "#FFA500" // orange for pending
	title := "Approval Request Created"

	switch a.Status {
	case store.StatusApproved:
		emoji = ":white_check_mark:"
		color = "#36A64F"
		title = "Approval Granted"
	case store.StatusDenied:
		emoji = ":x:"
		color = "#FF0000"
		title = "Approval Denied"
	case store.StatusExpired:
		emoji = ":alarm_clock:"
		color = "#808080"
		title = "Approval Expired"
	}

	text := fmt.Sprintf("%s *%s*\n", emoji, title)
	text += fmt.Sprintf("*ID:* `%s`\n", a.ID)
	text += fmt.Sprintf("*Action:* %s (risk %s)\n", a.ActionClass, a.RiskLevel)
	if a.ToolName != "" {
		text += fmt.Sprintf("*Tool:* %s\n", a.ToolName)
	}
	if a.AgentName != "" {
		text += fmt.Sprintf("*Agent:* %s\n", a.AgentName)
	}
	if a.Resource.Recipient != "" {
		text += fmt.Sprintf("*Recipient:* %s\n", a.Resource.Recipient)
	}
	if a.Reason != "" {
		text += fmt.Sprintf("*Reason:* %s\n", a.Reason)
	}
	if a.ResolvedBy != "" {
		text += fmt.Sprintf("*Resolved by:* %s\n", a.ResolvedBy)
		if a.ResolutionNote != "" {
			text += fmt.Sprintf("*Note:* %s\n", a.ResolutionNote)
		}
	}

	return map[string]any{
		"attachments": []map[string]any{
			{
				"color": color,
				"text":  text,
				"ts":    time.Now().Unix(),
			},
		},
	}
}

func (n *Webhook) sendEmail(a *store.Approval, eventType string) {
	var subject, body string

	if eventType == "created" {
		subject = fmt.Sprintf("[APPROVAL REQUIRED] %s - %s", a.ActionClass, a.ToolName)

		var actionLinks string
		if n.baseURL != "" {
			actionLinks = fmt.Sprintf(`
Quick Actions:

  Approve: curl -X POST "%s/v1/approvals/%s/approve" -H "Content-Type: application/json" -d '{"resolvedBy":"email_user","note":"Approved via email"}'

  Deny:    curl -X POST "%s/v1/approvals/%s/deny" -H "Content-Type: application/json" -d '{"resolvedBy":"email_user","note":"Denied via email"}'

`,
				n.baseURL, a.ID,
				n.baseURL, a.ID,
			)
		}

		body = fmt.Sprintf(`Approval Request Pending

A new approval request requires your attention.

Approval ID: %s
Action:      %s
Risk:        %s
Tool:        %s
Agent:       %s
Reason:      %s
Expires:     %s
%s`,
			a.ID,
			a.ActionClass,
			a.RiskLevel,
			a.ToolName,
			a.AgentName,
			a.Reason,
			a.ExpiresAt.Format(time.RFC3339),
			actionLinks,
		)
	} else {
		statusUpper := strings.ToUpper(a.Status)
		subject = fmt.Sprintf("[APPROVAL %s] %s - %s", statusUpper, a.ActionClass, a.ToolName)
		body = fmt.Sprintf(`Approval Request %s

Approval ID: %s
Status:      %s
Action:      %s
Tool:        %s
Agent:       %s
Resolved:    %s by %s
Note:        %s
`,
			statusUpper,
			a.ID,
			a.Status,
			a.ActionClass,
			a.ToolName,
			a.AgentName,
			a.ResolvedAt.Format(time.RFC3339),
			a.ResolvedBy,
			a.ResolutionNote,
		)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.emailFrom, strings.Join(n.emailTo, ","), subject, body)

	addr := n.smtpHost + ":" + n.smtpPort

	var auth smtp.Auth
	if n.smtpUser != "" && n.smtpPassword != "" {
		auth = smtp.PlainAuth("", n.smtpUser, n.smtpPassword, n.smtpHost)
	}

	if err := smtp.SendMail(addr, auth, n.emailFrom, n.emailTo, []byte(msg)); err != nil {
		slog.Error("failed to send approval email", "err", err, "approval_id", a.ID)
	} else {
		slog.Info("approval email sent", "approval_id", a.ID, "to", n.emailTo)
	}
}
