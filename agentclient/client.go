// Package agentclient is the in-process bridge an agent embeds to route tool
// calls through the gateway. It computes classification, redaction, and the
// canonical hashes locally with the same packages the gateway uses, so the
// hashes the token binding depends on are bit-identical on both sides.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentgate/internal/canon"
	"agentgate/internal/classify"
	"agentgate/internal/redact"
)

// ErrApprovalDenied is returned by WaitForApproval when the human said no.
var ErrApprovalDenied = errors.New("agentclient: approval denied")

// ErrApprovalExpired is returned by WaitForApproval when nobody answered in
// time.
var ErrApprovalExpired = errors.New("agentclient: approval request expired")

// DeniedError is a terminal refusal: policy said no and retrying the same
// call will not help.
type DeniedError struct {
	Reason    string
	RequestID string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("agentclient: call denied: %s", e.Reason)
}

// ApprovalRequiredError means a human must sign off before the call runs.
// The caller can block on WaitForApproval with the carried id and then retry
// with the retrieved token.
type ApprovalRequiredError struct {
	Reason            string
	RequestID         string
	ApprovalRequestID string
	ExpiresAt         time.Time
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("agentclient: approval required: %s (approval %s)", e.Reason, e.ApprovalRequestID)
}

// Client talks to one gateway on behalf of one agent.
type Client struct {
	BaseURL     string
	WorkspaceID string
	AgentKey    string

	// PollInterval is how often WaitForApproval checks the approval status.
	// Zero means 3 seconds.
	PollInterval time.Duration

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Result is the gateway's verdict for an authorized call.
type Result struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`

	ApprovalRequestID string `json:"approval_request_id,omitempty"`
	ExpiresAt         string `json:"expires_at,omitempty"`
}

// Authorize submits one tool call for a decision. A denied decision comes
// back as *DeniedError, an approval requirement as *ApprovalRequiredError;
// nil error means the call may proceed. token is the approval token for a
// retry, empty on a first attempt.
func (c *Client) Authorize(ctx context.Context, upstreamID, toolName string, args map[string]any, token string) (*Result, error) {
	cl := classify.Classify(toolName, args)
	redacted, meta := redact.Redact(args)
	argsHash, err := canon.ArgsHash(args)
	if err != nil {
		return nil, fmt.Errorf("hash arguments: %w", err)
	}

	payload := map[string]any{
		"workspace_id":  c.WorkspaceID,
		"agent_key":     c.AgentKey,
		"upstream_id":   upstreamID,
		"tool_name":     toolName,
		"action_class":  cl.ActionClass,
		"risk_level":    cl.RiskLevel,
		"risk_flags":    cl.RiskFlags,
		"resource":      cl.Resource,
		"args_hash":     argsHash,
		"request_hash":  canon.RequestHash(toolName, upstreamID, argsHash),
		"args_redacted": redacted,
		"args_meta":     meta,
	}
	if token != "" {
		payload["approval_token"] = token
	}

	var res Result
	if err := c.postJSON(ctx, "/authorize", payload, &res); err != nil {
		return nil, err
	}

	switch res.Decision {
	case "allowed":
		return &res, nil
	case "denied":
		return nil, &DeniedError{Reason: res.Reason, RequestID: res.RequestID}
	case "approval_required":
		var exp time.Time
		if res.ExpiresAt != "" {
			exp, _ = time.Parse(time.RFC3339, res.ExpiresAt)
		}
		return nil, &ApprovalRequiredError{
			Reason:            res.Reason,
			RequestID:         res.RequestID,
			ApprovalRequestID: res.ApprovalRequestID,
			ExpiresAt:         exp,
		}
	default:
		return nil, fmt.Errorf("agentclient: unexpected decision %q", res.Decision)
	}
}

// WaitForApproval polls until the approval resolves or ctx is done. On
// approval it returns the single-use token; the gateway releases the raw
// token to exactly one poll, so the caller must hold on to it.
func (c *Client) WaitForApproval(ctx context.Context, approvalRequestID string) (string, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}

	for {
		var status struct {
			Status  string `json:"status"`
			Token   string `json:"token"`
			Message string `json:"message"`
		}
		if err := c.getJSON(ctx, "/approval-status?approval_request_id="+approvalRequestID, &status); err != nil {
			return "", err
		}

		switch status.Status {
		case "approved":
			if status.Token != "" {
				return status.Token, nil
			}
			return "", fmt.Errorf("agentclient: token for approval %s already retrieved", approvalRequestID)
		case "denied":
			return "", ErrApprovalDenied
		case "expired":
			return "", ErrApprovalExpired
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Call authorizes a tool call end to end: it submits the call, and when a
// human approval is required it waits for the resolution and retries once
// with the retrieved token. The returned Result is always an allowed
// decision; everything else surfaces as an error.
func (c *Client) Call(ctx context.Context, upstreamID, toolName string, args map[string]any) (*Result, error) {
	res, err := c.Authorize(ctx, upstreamID, toolName, args, "")
	if err == nil {
		return res, nil
	}

	var need *ApprovalRequiredError
	if !errors.As(err, &need) {
		return nil, err
	}

	token, err := c.WaitForApproval(ctx, need.ApprovalRequestID)
	if err != nil {
		return nil, err
	}
	return c.Authorize(ctx, upstreamID, toolName, args, token)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Key", c.AgentKey)
	return c.doJSON(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Agent-Key", c.AgentKey)
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
