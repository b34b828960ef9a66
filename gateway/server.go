// Copyright 2025 CrossAudit
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"crossaudit/platform/gateway/evaluator"
	"crossaudit/platform/gateway/llm"
	"crossaudit/platform/gateway/resilience"
	"crossaudit/platform/shared/logger"
)

type contextKey string

const ctxKeyCaller contextKey = "caller"

// Server is the gateway's HTTP surface.
type Server struct {
	gw        *Gateway
	ruleStore RuleStore
	secret    []byte
	registry  *prometheus.Registry
	log       *logger.Logger
	router    *mux.Router
	sem       chan struct{}
}

// NewServer wires the HTTP routes over a composed gateway. maxConcurrent
// bounds in-flight chat calls; 0 means 256.
func NewServer(gw *Gateway, ruleStore RuleStore, jwtSecret []byte, registry *prometheus.Registry, log *logger.Logger, maxConcurrent int) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 256
	}
	s := &Server{
		gw:        gw,
		ruleStore: ruleStore,
		secret:    jwtSecret,
		registry:  registry,
		log:       log,
		sem:       make(chan struct{}, maxConcurrent),
	}
	s.router = s.routes()
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.Handle("/chat", s.limitLoad(http.HandlerFunc(s.chatHandler))).Methods("POST")
	api.Handle("/chat/stream", s.limitLoad(http.HandlerFunc(s.chatStreamHandler))).Methods("POST")

	api.HandleFunc("/policies", s.listRulesHandler).Methods("GET")
	api.HandleFunc("/policies", s.createRuleHandler).Methods("POST")
	api.HandleFunc("/policies/test", s.testRuleHandler).Methods("POST")
	api.HandleFunc("/policies/{id}", s.getRuleHandler).Methods("GET")
	api.HandleFunc("/policies/{id}", s.updateRuleHandler).Methods("PUT")
	api.HandleFunc("/policies/{id}", s.deleteRuleHandler).Methods("DELETE")

	api.HandleFunc("/audit/trail", s.auditTrailHandler).Methods("GET")
	api.HandleFunc("/audit/stats", s.auditStatsHandler).Methods("GET")
	api.HandleFunc("/audit/search", s.auditSearchHandler).Methods("POST")
	api.HandleFunc("/audit/export", s.auditExportHandler).Methods("GET")
	api.HandleFunc("/audit/verify", s.auditVerifyHandler).Methods("GET")

	api.HandleFunc("/providers/status", s.providerStatusHandler).Methods("GET")

	return r
}

// authMiddleware verifies the upstream gate's token and threads the caller
// identity through the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := ParseCallerToken(r.Header.Get("X-Gateway-Token"), s.secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyCaller, claims)))
	})
}

// limitLoad sheds excess chat load with 503 instead of queueing it.
func (s *Server) limitLoad(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			next.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusServiceUnavailable, "overloaded", "server at capacity, retry with backoff", nil)
		}
	})
}

func callerFrom(r *http.Request) *CallerClaims {
	claims, _ := r.Context().Value(ctxKeyCaller).(*CallerClaims)
	return claims
}

// =============================================================================
// Chat Handlers
// =============================================================================

type chatRequest struct {
	Model       string            `json:"model"`
	Messages    []llm.Message     `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (cr chatRequest) toCallRequest(claims *CallerClaims, stream bool) llm.CallRequest {
	temperature := -1.0
	if cr.Temperature != nil {
		temperature = *cr.Temperature
	}
	return llm.CallRequest{
		Model:       cr.Model,
		Messages:    cr.Messages,
		Temperature: temperature,
		MaxTokens:   cr.MaxTokens,
		Stream:      stream,
		CallerID:    claims.CallerID,
		OrgID:       claims.OrgID,
		Metadata:    cr.Metadata,
	}
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body", nil)
		return
	}

	resp, err := s.gw.Process(r.Context(), body.toCallRequest(claims, false))
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) chatStreamHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	handler := func(chunk llm.StreamChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := s.gw.ProcessStream(r.Context(), body.toCallRequest(claims, true), handler)
	if err != nil {
		// Headers are already out; surface the failure as a final event.
		var blockErr *ContentBlockedError
		if !errors.As(err, &blockErr) {
			chunk := llm.StreamChunk{Type: "error", Error: publicErrorMessage(err), Done: true}
			if data, marshalErr := json.Marshal(chunk); marshalErr == nil {
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

// =============================================================================
// Policy Rule Handlers
// =============================================================================

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)
	rules, err := s.ruleStore.ListRules(r.Context(), claims.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	if rules == nil {
		rules = []PolicyRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)

	var rule PolicyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed rule body", nil)
		return
	}
	rule.OrgID = claims.OrgID

	created, err := s.ruleStore.AddRule(r.Context(), rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)
	rule, err := s.ruleStore.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil || (rule.OrgID != "" && rule.OrgID != claims.OrgID) {
		writeError(w, http.StatusNotFound, "not_found", "rule not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)
	id := mux.Vars(r)["id"]

	existing, err := s.ruleStore.GetRule(r.Context(), id)
	if err != nil || (existing.OrgID != "" && existing.OrgID != claims.OrgID) {
		writeError(w, http.StatusNotFound, "not_found", "rule not found", nil)
		return
	}

	var rule PolicyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed rule body", nil)
		return
	}
	rule.ID = id
	rule.OrgID = existing.OrgID

	if err := s.ruleStore.UpdateRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)
	id := mux.Vars(r)["id"]

	existing, err := s.ruleStore.GetRule(r.Context(), id)
	if err != nil || (existing.OrgID != "" && existing.OrgID != claims.OrgID) {
		writeError(w, http.StatusNotFound, "not_found", "rule not found", nil)
		return
	}
	if err := s.ruleStore.RemoveRule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testRuleRequest struct {
	Rule    PolicyRule        `json:"rule"`
	Summary evaluator.Summary `json:"evaluation"`
	Model   string            `json:"model,omitempty"`
	Text    string            `json:"response,omitempty"`
}

func (s *Server) testRuleHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)

	var body testRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed test body", nil)
		return
	}

	matched := s.gw.Policy().TestRule(body.Rule, body.Summary, PolicyContext{
		OrgID:    claims.OrgID,
		Model:    body.Model,
		Response: body.Text,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

// =============================================================================
// Audit Handlers
// =============================================================================

func trailFilterFromQuery(r *http.Request) TrailFilter {
	q := r.URL.Query()
	filter := TrailFilter{
		RequestID: q.Get("request_id"),
		Stage:     q.Get("stage"),
	}
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = ts
		}
	}
	return filter
}

func (s *Server) auditTrailHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)
	entries, err := s.gw.Audit().GetAuditTrail(r.Context(), claims.OrgID, trailFilterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) auditStatsHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)
	stats, err := s.gw.Audit().GetAuditStatistics(r.Context(), claims.OrgID, trailFilterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) auditSearchHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)

	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "query is required", nil)
		return
	}

	entries, err := s.gw.Audit().SearchAuditLogs(r.Context(), claims.OrgID, body.Query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) auditExportHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)

	format := r.URL.Query().Get("format")
	if format == "" {
		format = ExportJSON
	}

	raw, err := s.gw.Audit().ExportAuditTrail(r.Context(), claims.OrgID, format, trailFilterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}

	switch format {
	case ExportCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) auditVerifyHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerFrom(r)
	status, err := s.gw.Audit().GetChainVerificationStatus(r.Context(), claims.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// Status Handlers
// =============================================================================

func (s *Server) providerStatusHandler(w http.ResponseWriter, r *http.Request) {
	manager := s.gw.Providers()
	health := manager.Health(r.Context())
	circuits := s.gw.BreakerStates()

	type providerStatus struct {
		Healthy   bool               `json:"healthy"`
		Circuit   string             `json:"circuit"`
		RateLimit llm.RateLimitState `json:"rate_limit"`
	}

	out := make(map[string]providerStatus, len(health))
	for _, name := range manager.Names() {
		circuit := worstCircuitState(circuits, name)
		state, _ := manager.RateLimitStatus(name)
		out[name] = providerStatus{
			Healthy:   health[name],
			Circuit:   circuit,
			RateLimit: state,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// worstCircuitState reduces a provider's per-purpose circuits to the most
// degraded state for reporting.
func worstCircuitState(circuits map[string]string, provider string) string {
	worst := resilience.StateClosed
	for _, purpose := range []string{purposeCall, purposeStream} {
		switch circuits[breakerKey(provider, purpose)] {
		case resilience.StateOpen:
			return resilience.StateOpen
		case resilience.StateHalfOpen:
			worst = resilience.StateHalfOpen
		}
	}
	return worst
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := s.gw.Health(r.Context())
	code := http.StatusOK
	if report.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// =============================================================================
// Error Mapping
// =============================================================================

type errorResponse struct {
	Kind       string   `json:"kind"`
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

// writeCallError maps pipeline errors to status codes. Blocked content is
// the caller's 403; circuit-open is a provider-specific backoff signal.
func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	var validationErr *ValidationError
	var blockErr *ContentBlockedError
	var openErr *resilience.CircuitOpenError
	var providerErr *llm.ProviderError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "validation_error", validationErr.Error(), nil)
	case errors.As(err, &blockErr):
		writeError(w, http.StatusForbidden, "content_blocked", blockErr.Error(), blockErr.ViolationKinds())
	case errors.As(err, &openErr):
		writeError(w, http.StatusServiceUnavailable, "circuit_open", publicErrorMessage(err), nil)
	case errors.As(err, &providerErr) && providerErr.Code == llm.ErrCodeRateLimit:
		writeError(w, http.StatusTooManyRequests, "rate_limited", publicErrorMessage(err), nil)
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", publicErrorMessage(err), nil)
	}
}

// publicErrorMessage keeps internal detail out of caller-facing errors.
func publicErrorMessage(err error) string {
	var openErr *resilience.CircuitOpenError
	if errors.As(err, &openErr) {
		return "provider temporarily unavailable, back off and retry"
	}
	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Retryable {
			return "transient upstream failure, retry with backoff"
		}
		return providerErr.Message
	}
	return "upstream call failed"
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, message string, violations []string) {
	writeJSON(w, code, errorResponse{Kind: kind, Error: message, Violations: violations})
}
