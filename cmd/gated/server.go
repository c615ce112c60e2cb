package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"agentgate/internal/approval"
	"agentgate/internal/notify"
	"agentgate/internal/policy"
	"agentgate/internal/store"
)

// server bundles the gateway's dependencies for the HTTP handlers.
type server struct {
	store     *store.Store
	evaluator *policy.Evaluator
	approvals *approval.Manager
	notifier  notify.Notifier
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Agent-facing API, authenticated by client key.
	mux.HandleFunc("POST /authorize", s.handleAuthorize)
	mux.HandleFunc("GET /approval-status", s.handleApprovalStatus)

	// Management API. Workspace identity arrives via trusted headers; the
	// deployment puts this behind its own authentication layer.
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /v1/approvals/{approvalID}", s.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{approvalID}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/approvals/{approvalID}/deny", s.handleDeny)

	mux.HandleFunc("POST /v1/rules", s.handleCreateRule)
	mux.HandleFunc("GET /v1/rules", s.handleListRules)
	mux.HandleFunc("GET /v1/rules/{ruleID}", s.handleGetRule)
	mux.HandleFunc("PATCH /v1/rules/{ruleID}", s.handlePatchRule)
	mux.HandleFunc("DELETE /v1/rules/{ruleID}", s.handleDeleteRule)

	mux.HandleFunc("POST /v1/leases", s.handleCreateLease)
	mux.HandleFunc("GET /v1/leases", s.handleListLeases)
	mux.HandleFunc("DELETE /v1/leases/{leaseID}", s.handleRevokeLease)

	mux.HandleFunc("GET /v1/requests", s.handleListRequests)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// startExpirationWorker periodically sweeps overdue pending approvals into
// the expired status. Correctness never depends on it; Poll expires lazily.
func (s *server) startExpirationWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ExpireApprovals(ctx, time.Now().UTC())
			if err != nil {
				slog.Error("expiration sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("expired overdue approvals", "count", n)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// workspaceID extracts the trusted workspace header for management calls.
func workspaceID(r *http.Request) string {
	return r.Header.Get("X-Workspace-ID")
}

// actor extracts the trusted actor header, used as resolved_by / created_by.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "unknown"
}
