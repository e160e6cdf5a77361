// Package server provides the HTTP API surface for the sentinel: alert
// history and live stream, pending approvals and their resolution, the
// audit trail, and policy rule management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/alerts"
	"github.com/harborline/sandbox-sentinel/internal/config"
	"github.com/harborline/sandbox-sentinel/internal/state"
	"github.com/harborline/sandbox-sentinel/internal/types"
	"github.com/harborline/sandbox-sentinel/internal/version"
	"github.com/harborline/sandbox-sentinel/pkg/policy"
)

// Resumer thaws a paused sandbox. *autopause.Controller satisfies it.
type Resumer interface {
	Resume(ctx context.Context) error
}

// Server is the sentinel's HTTP API server.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *alerts.Dispatcher
	engine     *policy.Engine
	tracker    *state.Tracker
	resumer    Resumer
	log        *logrus.Logger
	httpServer *http.Server
}

// New wires the API handlers over the dispatcher, policy engine, and state
// tracker.
func New(cfg config.ServerConfig, dispatcher *alerts.Dispatcher, engine *policy.Engine, tracker *state.Tracker, resumer Resumer, log *logrus.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		engine:     engine,
		tracker:    tracker,
		resumer:    resumer,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/alerts", s.handleAlerts)
	mux.HandleFunc("/api/v1/alerts/stream", s.handleAlertStream)
	mux.HandleFunc("/api/v1/counts", s.handleCounts)
	mux.HandleFunc("/api/v1/pending", s.handlePending)
	mux.HandleFunc("/api/v1/approvals", s.handleApprovals)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	mux.HandleFunc("/api/v1/policy", s.handlePolicy)
	mux.HandleFunc("/api/v1/resume", s.handleResume)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("API server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// queryInt returns the integer query parameter or def when absent/invalid.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"state":   string(s.tracker.Current()),
		"version": version.Version,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	last := queryInt(r, "last", 100)
	severity := types.Severity(r.URL.Query().Get("severity"))
	if severity != "" && !severity.Valid() {
		http.Error(w, "Invalid severity", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.History(last, severity))
}

// handleAlertStream serves live alerts as server-sent events. The stream
// outlives the server write timeout; it ends when the client disconnects.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.log.WithError(err).Debug("Failed to clear stream write deadline")
	}

	id, stream := s.dispatcher.Subscribe(16)
	defer s.dispatcher.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case alert, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(alert)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Counts())
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pending())
}

// approvalRequest resolves one pending domain.
type approvalRequest struct {
	Domain    string `json:"domain"`
	Decision  string `json:"decision"` // "approve" or "deny"
	Permanent bool   `json:"permanent"`
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.ApprovalHistory(queryInt(r, "last", 100)))
	case http.MethodPost:
		var req approvalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Domain == "" {
			http.Error(w, "Missing domain", http.StatusBadRequest)
			return
		}

		var err error
		switch req.Decision {
		case "approve":
			err = s.engine.Approve(req.Domain, req.Permanent)
		case "deny":
			err = s.engine.Deny(req.Domain)
		default:
			http.Error(w, "Decision must be approve or deny", http.StatusBadRequest)
			return
		}
		if errors.Is(err, policy.ErrAlreadyResolved) {
			http.Error(w, "Approval already resolved", http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, "Resolution failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"domain": req.Domain, "decision": req.Decision})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.AuditTrail(queryInt(r, "last", 100)))
}

// policyRequest adds one policy rule.
type policyRequest struct {
	Pattern string `json:"pattern"`
	Verdict string `json:"verdict"` // "ALLOW" or "DENY"
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	store := s.engine.Store()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, store.Rules())
	case http.MethodPost:
		var req policyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		verdict := types.Verdict(req.Verdict)
		if verdict != types.VerdictAllow && verdict != types.VerdictDeny {
			http.Error(w, "Verdict must be ALLOW or DENY", http.StatusBadRequest)
			return
		}
		if !policy.ValidPattern(req.Pattern) {
			http.Error(w, "Malformed pattern", http.StatusBadRequest)
			return
		}
		store.Add(types.PolicyRule{Pattern: req.Pattern, Verdict: verdict, Origin: types.OriginFile})
		if err := store.Save(); err != nil {
			s.log.WithError(err).Warn("Failed to persist policy rule")
		}
		writeJSON(w, http.StatusCreated, map[string]string{"pattern": req.Pattern})
	case http.MethodDelete:
		pattern := r.URL.Query().Get("pattern")
		if pattern == "" {
			http.Error(w, "Missing pattern", http.StatusBadRequest)
			return
		}
		origin := types.Origin(r.URL.Query().Get("origin"))
		if origin == "" {
			origin = types.OriginFile
		}
		if !store.Remove(pattern, origin) {
			http.Error(w, "Rule not found", http.StatusNotFound)
			return
		}
		if origin == types.OriginFile {
			if err := store.Save(); err != nil {
				s.log.WithError(err).Warn("Failed to persist policy rule removal")
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.resumer.Resume(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.tracker.Current())})
}
