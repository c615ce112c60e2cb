package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"agentgate/internal/approval"
	"agentgate/internal/policy"
	"agentgate/internal/store"
)

// getWorkspaceApproval loads an approval and enforces the caller's workspace
// scope. Cross-workspace ids read as not found.
func (s *server) getWorkspaceApproval(w http.ResponseWriter, r *http.Request) *store.Approval {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return nil
	}
	a, err := s.store.GetApproval(r.Context(), r.PathValue("approvalID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "approval not found")
			return nil
		}
		slog.Error("approval lookup failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if a.WorkspaceID != ws {
		errorJSON(w, http.StatusNotFound, "approval not found")
		return nil
	}
	return a
}

func (s *server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}

	q := store.ApprovalQuery{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorJSON(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}

	approvals, err := s.store.ListApprovals(r.Context(), ws, q)
	if err != nil {
		slog.Error("list approvals failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals, "count": len(approvals)})
}

func (s *server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a := s.getWorkspaceApproval(w, r)
	if a == nil {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	a := s.getWorkspaceApproval(w, r)
	if a == nil {
		return
	}

	var body struct {
		Note                 string `json:"note"`
		CreateLease          bool   `json:"createLease"`
		LeaseDurationMinutes int    `json:"leaseDurationMinutes"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	a, err := s.approvals.Approve(r.Context(), a.ID, actor(r), body.Note, approval.ApproveOptions{
		CreateLease:   body.CreateLease,
		LeaseDuration: time.Duration(body.LeaseDurationMinutes) * time.Minute,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			errorJSON(w, http.StatusConflict, "approval already resolved")
			return
		}
		slog.Error("approve failed", "approval_id", r.PathValue("approvalID"), "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.notifier.NotifyResolved(r.Context(), a)
	slog.Info("approval approved", "approval_id", a.ID, "by", actor(r), "lease", body.CreateLease)
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleDeny(w http.ResponseWriter, r *http.Request) {
	a := s.getWorkspaceApproval(w, r)
	if a == nil {
		return
	}

	var body struct {
		Note           string `json:"note"`
		CreateDenyRule bool   `json:"createDenyRule"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	a, err := s.approvals.Deny(r.Context(), a.ID, actor(r), body.Note, approval.DenyOptions{
		CreateRule: body.CreateDenyRule,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			errorJSON(w, http.StatusConflict, "approval already resolved")
			return
		}
		slog.Error("deny failed", "approval_id", r.PathValue("approvalID"), "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.notifier.NotifyResolved(r.Context(), a)
	slog.Info("approval denied", "approval_id", a.ID, "by", actor(r), "deny_rule", body.CreateDenyRule)
	writeJSON(w, http.StatusOK, a)
}

type ruleBody struct {
	Name           string `json:"name"`
	Priority       int    `json:"priority"`
	Effect         string `json:"effect"`
	ActionClass    string `json:"actionClass"`
	UpstreamID     string `json:"upstreamId"`
	ToolName       string `json:"toolName"`
	Domain         string `json:"domain"`
	DomainMatch    string `json:"domainMatch"`
	Recipient      string `json:"recipient"`
	SmartCondition string `json:"smartCondition"`
}

func (s *server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}

	var body ruleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch policy.Effect(body.Effect) {
	case policy.EffectAllow, policy.EffectDeny, policy.EffectRequireApproval:
	default:
		errorJSON(w, http.StatusBadRequest, "effect must be allow, deny, or require_approval")
		return
	}
	actionClass := body.ActionClass
	if actionClass == "" {
		actionClass = string(policy.ActionAny)
	}
	if !policy.ValidActionClass(actionClass) {
		errorJSON(w, http.StatusBadRequest, "invalid actionClass")
		return
	}

	rule := &policy.Rule{
		WorkspaceID:    ws,
		Name:           body.Name,
		Priority:       body.Priority,
		Enabled:        true,
		Effect:         policy.Effect(body.Effect),
		ActionClass:    policy.ActionClass(actionClass),
		UpstreamID:     body.UpstreamID,
		ToolName:       body.ToolName,
		DomainPattern:  body.Domain,
		Recipient:      body.Recipient,
		SmartCondition: body.SmartCondition,
	}
	if rule.DomainPattern != "" {
		rule.DomainMatchType = policy.MatchExact
		if body.DomainMatch == string(policy.MatchSuffix) {
			rule.DomainMatchType = policy.MatchSuffix
		}
	}

	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		slog.Error("create rule failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("rule created", "rule_id", rule.ID, "workspace_id", ws, "by", actor(r))
	writeJSON(w, http.StatusCreated, rule)
}

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}
	rules, err := s.store.ListRules(r.Context(), ws)
	if err != nil {
		slog.Error("list rules failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

func (s *server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}
	rule, err := s.store.GetRule(r.Context(), ws, r.PathValue("ruleID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("get rule failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *server) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		errorJSON(w, http.StatusBadRequest, "body must set enabled")
		return
	}

	if err := s.store.SetRuleEnabled(r.Context(), ws, r.PathValue("ruleID"), *body.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("patch rule failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	rule, err := s.store.GetRule(r.Context(), ws, r.PathValue("ruleID"))
	if err != nil {
		slog.Error("get rule after patch failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}
	if err := s.store.DeleteRule(r.Context(), ws, r.PathValue("ruleID")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("delete rule failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("rule deleted", "rule_id", r.PathValue("ruleID"), "workspace_id", ws, "by", actor(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}

	var body struct {
		ActionClass string `json:"actionClass"`
		UpstreamID  string `json:"upstreamId"`
		ToolName    string `json:"toolName"`
		Domain      string `json:"domain"`
		DomainMatch string `json:"domainMatch"`
		Recipient   string `json:"recipient"`
		TTLMinutes  int    `json:"ttlMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !policy.ValidActionClass(body.ActionClass) || body.ActionClass == string(policy.ActionAny) {
		errorJSON(w, http.StatusBadRequest, "lease requires a concrete actionClass")
		return
	}

	ttl := time.Duration(body.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	lease := &policy.Lease{
		WorkspaceID:   ws,
		CreatedBy:     actor(r),
		ActionClass:   policy.ActionClass(body.ActionClass),
		UpstreamID:    body.UpstreamID,
		ToolName:      body.ToolName,
		DomainPattern: body.Domain,
		Recipient:     body.Recipient,
		ExpiresAt:     time.Now().UTC().Add(ttl),
	}
	if lease.DomainPattern != "" {
		lease.DomainMatchType = policy.MatchExact
		if body.DomainMatch == string(policy.MatchSuffix) {
			lease.DomainMatchType = policy.MatchSuffix
		}
	}

	if err := s.store.CreateLease(r.Context(), lease); err != nil {
		slog.Error("create lease failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("lease created", "lease_id", lease.ID, "workspace_id", ws, "by", actor(r))
	writeJSON(w, http.StatusCreated, lease)
}

func (s *server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}
	leases, err := s.store.ListLeases(r.Context(), ws)
	if err != nil {
		slog.Error("list leases failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": leases, "count": len(leases)})
}

func (s *server) handleRevokeLease(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}
	if err := s.store.RevokeLease(r.Context(), ws, r.PathValue("leaseID")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "lease not found")
			return
		}
		slog.Error("revoke lease failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("lease revoked", "lease_id", r.PathValue("leaseID"), "workspace_id", ws, "by", actor(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	if ws == "" {
		errorJSON(w, http.StatusBadRequest, "X-Workspace-ID header required")
		return
	}

	q := store.RequestQuery{
		AgentID:    r.URL.Query().Get("agent_id"),
		UpstreamID: r.URL.Query().Get("upstream_id"),
		ToolName:   r.URL.Query().Get("tool_name"),
		Decision:   policy.Outcome(r.URL.Query().Get("decision")),
		Limit:      100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorJSON(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		q.Since = ts
	}

	requests, err := s.store.ListRequests(r.Context(), ws, q)
	if err != nil {
		slog.Error("list requests failed", "err", err)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests, "count": len(requests)})
}
