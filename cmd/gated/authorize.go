package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentgate/internal/approval"
	"agentgate/internal/canon"
	"agentgate/internal/policy"
	"agentgate/internal/store"
)

// authorizeSchema is the fixed schema every authorize payload must satisfy.
// The classifier outputs (action_class, risk_level, flags, resource) come
// pre-computed from the client bridge; the hashes identify the exact call.
const authorizeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["workspace_id", "agent_key", "tool_name", "args_hash", "request_hash"],
	"properties": {
		"workspace_id":   {"type": "string", "minLength": 1},
		"agent_key":      {"type": "string", "minLength": 1},
		"upstream_id":    {"type": "string"},
		"tool_name":      {"type": "string", "minLength": 1},
		"action_class":   {"enum": ["read", "write", "send", "execute", "submit", "transfer_value", ""]},
		"risk_level":     {"enum": ["low", "med", "high", "critical", ""]},
		"risk_flags":     {"type": "object"},
		"resource":       {"type": "object"},
		"args_hash":      {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"request_hash":   {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"args_redacted":  {"type": "object"},
		"args_meta":      {"type": "object"},
		"approval_token": {"type": "string"}
	},
	"additionalProperties": false
}`

var compiledAuthorizeSchema = mustCompileSchema(authorizeSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://agentgate.schemas.local/authorize.schema.json"
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

type authorizeRequest struct {
	WorkspaceID string `json:"workspace_id"`
	AgentKey    string `json:"agent_key"`
	UpstreamID  string `json:"upstream_id"`
	ToolName    string `json:"tool_name"`

	ActionClass policy.ActionClass `json:"action_class"`
	RiskLevel   policy.RiskLevel   `json:"risk_level"`
	RiskFlags   policy.RiskFlags   `json:"risk_flags"`
	Resource    policy.Resource    `json:"resource"`

	ArgsHash     string            `json:"args_hash"`
	RequestHash  string            `json:"request_hash"`
	ArgsRedacted map[string]any    `json:"args_redacted"`
	ArgsMeta     map[string]string `json:"args_meta"`

	ApprovalToken string `json:"approval_token"`
}

type authorizeResponse struct {
	Decision policy.Outcome `json:"decision"`
	Reason   string         `json:"reason"`

	RequestID         string `json:"request_id"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
	ExpiresAt         string `json:"expires_at,omitempty"`
}

// handleAuthorize is the gateway's core endpoint. Policy outcomes, including
// denials, are 200 responses; non-2xx means the call never got a decision.
func (s *server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := compiledAuthorizeSchema.Validate(generic); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	var req authorizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	// The key travels in a header so proxies and logs never see it in the
	// body alone; the body copy must agree with it.
	headerKey := r.Header.Get("X-Agent-Key")
	if headerKey == "" || headerKey != req.AgentKey {
		errorJSON(w, http.StatusUnauthorized, "agent key missing or mismatched")
		return
	}

	agent, err := s.store.AgentByKeyHash(r.Context(), canon.HashClientKey(headerKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusUnauthorized, "unknown agent key")
			return
		}
		slog.Error("agent lookup failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if agent.WorkspaceID != req.WorkspaceID {
		errorJSON(w, http.StatusUnauthorized, "agent key not valid for workspace")
		return
	}

	rec := &store.Request{
		WorkspaceID:  req.WorkspaceID,
		AgentID:      agent.ID,
		UpstreamID:   req.UpstreamID,
		ToolName:     req.ToolName,
		ActionClass:  req.ActionClass,
		RiskLevel:    req.RiskLevel,
		RiskFlags:    req.RiskFlags,
		Resource:     req.Resource,
		ArgsRedacted: req.ArgsRedacted,
		ArgsMeta:     req.ArgsMeta,
		ArgsHash:     req.ArgsHash,
		RequestHash:  req.RequestHash,
	}

	if req.ApprovalToken != "" {
		s.authorizeWithToken(w, r, &req, rec)
		return
	}

	dec, err := s.evaluator.Evaluate(r.Context(), policy.Context{
		WorkspaceID: req.WorkspaceID,
		ToolName:    req.ToolName,
		UpstreamID:  req.UpstreamID,
		ActionClass: req.ActionClass,
		Resource:    req.Resource,
		RiskFlags:   req.RiskFlags,
		Args:        req.ArgsRedacted,
	})
	if err != nil {
		slog.Error("policy evaluation failed", "tool", req.ToolName, "err", err)
		errorJSON(w, http.StatusInternalServerError, "policy evaluation failed")
		return
	}

	rec.Decision = dec.Outcome
	rec.Reason = dec.Reason
	rec.MatchedRuleID = dec.MatchedRuleID
	rec.MatchedLeaseID = dec.MatchedLeaseID

	resp := authorizeResponse{Decision: dec.Outcome, Reason: dec.Reason}

	if dec.Outcome == policy.OutcomeApprovalRequired {
		rec.ID = store.NewID("req")
		a, err := s.approvals.Create(r.Context(), approval.CreateParams{
			WorkspaceID:  req.WorkspaceID,
			RequestID:    rec.ID,
			AgentID:      agent.ID,
			AgentName:    agent.Name,
			UpstreamID:   req.UpstreamID,
			ToolName:     req.ToolName,
			ActionClass:  req.ActionClass,
			RiskLevel:    req.RiskLevel,
			Resource:     req.Resource,
			ArgsRedacted: req.ArgsRedacted,
			ArgsMeta:     req.ArgsMeta,
			ArgsHash:     req.ArgsHash,
			RequestHash:  req.RequestHash,
			Reason:       dec.Reason,
		})
		if err != nil {
			slog.Error("failed to create approval", "tool", req.ToolName, "err", err)
			errorJSON(w, http.StatusInternalServerError, "failed to create approval")
			return
		}
		rec.ApprovalID = a.ID
		resp.ApprovalRequestID = a.ID
		resp.ExpiresAt = a.ExpiresAt.Format(time.RFC3339)
		s.notifier.NotifyCreated(r.Context(), a)
	}

	s.finishAuthorize(w, r, rec, resp)
}

// authorizeWithToken handles the retry path: a presented approval token is
// validated against the call's binding and consumed on success. Invalid
// tokens yield denials, not errors; the decision is the response.
func (s *server) authorizeWithToken(w http.ResponseWriter, r *http.Request, req *authorizeRequest, rec *store.Request) {
	tok, err := s.approvals.Redeem(r.Context(), approval.RedeemParams{
		WorkspaceID: req.WorkspaceID,
		RawToken:    req.ApprovalToken,
		ToolName:    req.ToolName,
		UpstreamID:  req.UpstreamID,
		ArgsHash:    req.ArgsHash,
		RequestHash: req.RequestHash,
	})

	if err == nil {
		rec.Decision = policy.OutcomeAllowed
		rec.ApprovalID = tok.ApprovalID
		rec.Reason = "Approved"
		if a, aerr := s.store.GetApproval(r.Context(), tok.ApprovalID); aerr == nil && a.ResolvedBy != "" {
			rec.Reason = fmt.Sprintf("Approved by %s", a.ResolvedBy)
		}
		s.finishAuthorize(w, r, rec, authorizeResponse{
			Decision: rec.Decision,
			Reason:   rec.Reason,
		})
		return
	}

	var be *approval.BindingError
	switch {
	case errors.As(err, &be):
		rec.Reason = fmt.Sprintf("Approval token was issued for a different %s", be.Field)
	case errors.Is(err, approval.ErrTokenConsumed):
		rec.Reason = "Approval token already used"
	case errors.Is(err, approval.ErrTokenExpired):
		rec.Reason = "Approval token expired"
	case errors.Is(err, approval.ErrTokenInvalid):
		rec.Reason = "Approval token invalid"
	default:
		slog.Error("token redemption failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	rec.Decision = policy.OutcomeDenied
	s.finishAuthorize(w, r, rec, authorizeResponse{
		Decision: policy.OutcomeDenied,
		Reason:   rec.Reason,
	})
}

// finishAuthorize writes the audit record and then, only then, the response.
func (s *server) finishAuthorize(w http.ResponseWriter, r *http.Request, rec *store.Request, resp authorizeResponse) {
	if err := s.store.RecordRequest(r.Context(), rec); err != nil {
		slog.Error("failed to record request", "tool", rec.ToolName, "err", err)
		errorJSON(w, http.StatusInternalServerError, "failed to record request")
		return
	}
	resp.RequestID = rec.ID

	slog.Info("authorize",
		"workspace_id", rec.WorkspaceID,
		"agent_id", rec.AgentID,
		"tool", rec.ToolName,
		"decision", rec.Decision,
		"reason", rec.Reason)

	writeJSON(w, http.StatusOK, resp)
}

type approvalStatusResponse struct {
	Status         string `json:"status"`
	Token          string `json:"token,omitempty"`
	TokenAvailable bool   `json:"token_available"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Message        string `json:"message,omitempty"`
}

// handleApprovalStatus lets the waiting agent poll its pending approval. The
// raw token is released on the first poll that sees the approved status and
// never again.
func (s *server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Agent-Key")
	if key == "" {
		errorJSON(w, http.StatusUnauthorized, "agent key required")
		return
	}
	agent, err := s.store.AgentByKeyHash(r.Context(), canon.HashClientKey(key))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusUnauthorized, "unknown agent key")
			return
		}
		slog.Error("agent lookup failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	id := r.URL.Query().Get("approval_request_id")
	if id == "" {
		errorJSON(w, http.StatusBadRequest, "approval_request_id query parameter required")
		return
	}

	// Ownership is checked before Poll: Poll's first approved read releases
	// the raw token, and a caller outside the approval's workspace, or a
	// different agent within it, must not be the one to trigger that.
	owned, err := s.store.GetApproval(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "approval not found")
			return
		}
		slog.Error("approval lookup failed", "approval_id", id, "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if owned.WorkspaceID != agent.WorkspaceID || (owned.AgentID != "" && owned.AgentID != agent.ID) {
		errorJSON(w, http.StatusNotFound, "approval not found")
		return
	}

	res, err := s.approvals.Poll(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "approval not found")
			return
		}
		slog.Error("approval poll failed", "approval_id", id, "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	a := res.Approval

	resp := approvalStatusResponse{Status: a.Status}
	switch a.Status {
	case store.StatusApproved:
		resp.Token = res.Token
		resp.TokenAvailable = res.Token != ""
		if tok, terr := s.store.TokenByApproval(r.Context(), a.ID); terr == nil {
			resp.ExpiresAt = tok.ExpiresAt.Format(time.RFC3339)
		}
		if res.Token == "" {
			resp.Message = "Token was already retrieved"
		}
	case store.StatusDenied:
		resp.Message = "Approval was denied"
		if a.ResolutionNote != "" {
			resp.Message = a.ResolutionNote
		}
	case store.StatusExpired:
		resp.Message = "Approval request expired"
	case store.StatusPending:
		if !a.ExpiresAt.IsZero() {
			resp.ExpiresAt = a.ExpiresAt.Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
