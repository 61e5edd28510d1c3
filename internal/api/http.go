package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sgerhart/flowguard/internal/enforce"
	"github.com/sgerhart/flowguard/internal/policy"
	"github.com/sgerhart/flowguard/internal/respond"
	"github.com/sgerhart/flowguard/internal/store"
)

// policySchema validates policy writes before they reach the store's
// semantic validation, so obviously malformed payloads are rejected
// with a field-level message.
const policySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Policy",
  "type": "object",
  "required": ["id", "selector", "trust_level", "action"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "selector": {
      "type": "object",
      "properties": {
        "src_cidrs": {"type": "array", "items": {"type": "string"}},
        "dst_cidrs": {"type": "array", "items": {"type": "string"}},
        "labels": {"type": "array", "items": {"type": "string"}},
        "dst_ports": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 65535}},
        "protocols": {"type": "array", "items": {"type": "integer", "enum": [1, 6, 17]}}
      },
      "additionalProperties": false
    },
    "trust_level": {"type": "string", "enum": ["public", "restricted", "internal", "privileged"]},
    "action": {"type": "string", "enum": ["allow", "deny", "inspect"]},
    "priority": {"type": "integer", "minimum": 0},
    "not_before": {"type": "string", "format": "date-time"},
    "not_after": {"type": "string", "format": "date-time"},
    "annotations": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

// Server is the control-plane HTTP API: policy CRUD, read access to
// recent flows, verdicts, and actions, manual rollback, and rendered
// enforcement artifacts.
type Server struct {
	policies     *policy.Store
	orchestrator *respond.Orchestrator
	store        *store.MemoryStore
	registry     *prometheus.Registry
	logger       *slog.Logger

	schema *gojsonschema.Schema
	router *mux.Router
}

// NewServer builds the API router.
func NewServer(policies *policy.Store, orchestrator *respond.Orchestrator, memStore *store.MemoryStore, registry *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(policySchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy schema: %w", err)
	}

	s := &Server{
		policies:     policies,
		orchestrator: orchestrator,
		store:        memStore,
		registry:     registry,
		logger:       logger,
		schema:       schema,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
	r.HandleFunc("/policies", s.handleUpsertPolicy).Methods("POST")
	r.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods("GET")
	r.HandleFunc("/policies/{id}", s.handleRevokePolicy).Methods("DELETE")
	r.HandleFunc("/policies/rollback/{version}", s.handlePolicyRollback).Methods("POST")

	r.HandleFunc("/flows", s.handleListFlows).Methods("GET")
	r.HandleFunc("/verdicts", s.handleListVerdicts).Methods("GET")
	r.HandleFunc("/verdicts/{id}", s.handleGetVerdict).Methods("GET")

	r.HandleFunc("/actions", s.handleListActions).Methods("GET")
	r.HandleFunc("/actions/{id}", s.handleGetAction).Methods("GET")
	r.HandleFunc("/actions/{id}/rollback", s.handleActionRollback).Methods("POST")

	r.HandleFunc("/artifacts", s.handleListArtifacts).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"policy_version": s.policies.Current().Version,
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":  s.policies.Current().Version,
		"policies": s.policies.List(),
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.policies.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("policy %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "policy schema validation failed",
			"details": details,
		})
		return
	}

	var p policy.Policy
	if err := json.Unmarshal(body, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to decode policy")
		return
	}

	stored, err := s.policies.Upsert(p)
	if err != nil {
		var vErr *policy.ValidationError
		if errors.As(err, &vErr) {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      vErr.Message,
				"policy_ids": vErr.PolicyIDs,
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Policy written via API", "policy_id", stored.ID, "version", stored.Version)
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleRevokePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.policies.Revoke(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePolicyRollback(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(mux.Vars(r)["version"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid snapshot version")
		return
	}
	if err := s.policies.RollbackTo(version); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rolled_back_to": version,
		"version":        s.policies.Current().Version,
	})
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"flows": s.store.Flows()})
}

func (s *Server) handleListVerdicts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"verdicts": s.store.Verdicts()})
}

func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, ok := s.store.VerdictByID(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("verdict %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"actions": s.orchestrator.List()})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, ok := s.orchestrator.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("action %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleActionRollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "manual rollback"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	rb, err := s.orchestrator.Rollback(ctx, id, req.Reason)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts := enforce.RenderAll(s.orchestrator.List())
	s.writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
