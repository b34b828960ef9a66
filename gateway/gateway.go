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

// Package gateway is the governance layer between callers and LLM
// providers. Every call is logged, enriched with retrieved organizational
// context, evaluated by independent scorers, and passed, rewritten, or
// blocked by policy before anything reaches the caller. The audit trail is
// hash-chained per organization so tampering is detectable after the fact.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crossaudit/platform/gateway/evaluator"
	"crossaudit/platform/gateway/llm"
	"crossaudit/platform/gateway/resilience"
	"crossaudit/platform/gateway/retrieval"
	"crossaudit/platform/shared/logger"
)

// Gateway sequences the per-call pipeline: intake log, context retrieval,
// resilience-wrapped provider dispatch, evaluation, policy decision,
// completion log. It is the only component exposed externally.
type Gateway struct {
	providers *llm.Manager
	retriever retrieval.Retriever
	mesh      *evaluator.Mesh
	policy    *PolicyEngine
	audit     *AuditLogger
	breaker   *resilience.CircuitBreaker
	dedup     *resilience.Deduplicator
	cache     *resilience.ResponseCache
	metrics   *Metrics
	log       *logger.Logger

	retrievalLimit     int
	retrievalThreshold float64
}

// Deps are the collaborators a Gateway is composed from. All fields are
// required except Retriever, which may be nil when no document service is
// deployed.
type Deps struct {
	Providers          *llm.Manager
	Retriever          retrieval.Retriever
	Mesh               *evaluator.Mesh
	Policy             *PolicyEngine
	Audit              *AuditLogger
	Breaker            *resilience.CircuitBreaker
	Dedup              *resilience.Deduplicator
	Cache              *resilience.ResponseCache
	Metrics            *Metrics
	Log                *logger.Logger
	RetrievalLimit     int
	RetrievalThreshold float64
}

// New composes a Gateway from its collaborators.
func New(deps Deps) (*Gateway, error) {
	switch {
	case deps.Providers == nil:
		return nil, fmt.Errorf("provider manager is required")
	case deps.Mesh == nil:
		return nil, fmt.Errorf("evaluator mesh is required")
	case deps.Policy == nil:
		return nil, fmt.Errorf("policy engine is required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("audit logger is required")
	case deps.Breaker == nil || deps.Dedup == nil || deps.Cache == nil:
		return nil, fmt.Errorf("resilience layer is required")
	case deps.Metrics == nil:
		return nil, fmt.Errorf("metrics are required")
	case deps.Log == nil:
		return nil, fmt.Errorf("logger is required")
	}
	if deps.RetrievalLimit <= 0 {
		deps.RetrievalLimit = retrieval.DefaultLimit
	}
	return &Gateway{
		providers:          deps.Providers,
		retriever:          deps.Retriever,
		mesh:               deps.Mesh,
		policy:             deps.Policy,
		audit:              deps.Audit,
		breaker:            deps.Breaker,
		dedup:              deps.Dedup,
		cache:              deps.Cache,
		metrics:            deps.Metrics,
		log:                deps.Log,
		retrievalLimit:     deps.RetrievalLimit,
		retrievalThreshold: deps.RetrievalThreshold,
	}, nil
}

// Process handles one non-streaming call through the full pipeline.
func (g *Gateway) Process(ctx context.Context, req llm.CallRequest) (*llm.CallResponse, error) {
	if err := validateRequest(req); err != nil {
		g.log.Warn(req.OrgID, "", "rejected invalid request", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	requestID := uuid.New().String()
	start := time.Now()

	g.logRequestEntry(ctx, requestID, req)

	fingerprint := resilience.Fingerprint(req)
	if cached, ok := g.cache.Get(ctx, fingerprint); ok {
		g.metrics.CacheHits.Inc()
		g.metrics.RequestsTotal.WithLabelValues("cached").Inc()
		g.logCompleteEntry(ctx, requestID, req, map[string]interface{}{"cached": true})
		return cached, nil
	}
	g.metrics.CacheMisses.Inc()

	resp, docs, providerName, err := g.dispatch(ctx, requestID, fingerprint, req)
	if err != nil {
		g.failCall(ctx, requestID, req, providerName, err)
		return nil, err
	}

	summary := g.evaluate(ctx, req, resp, docs)

	decision, err := g.policy.Decide(ctx, summary, PolicyContext{
		OrgID:    req.OrgID,
		CallerID: req.CallerID,
		Model:    req.Model,
		Response: resp.Content(),
		Metadata: req.Metadata,
	})
	if err != nil {
		g.failCall(ctx, requestID, req, providerName, err)
		return nil, err
	}
	g.metrics.Decisions.WithLabelValues(decision.Action).Inc()

	if decision.Action == DecisionBlock {
		blockErr := &ContentBlockedError{RequestID: requestID, Violations: decision.Violations}
		g.failCall(ctx, requestID, req, providerName, blockErr)
		return nil, blockErr
	}

	applyDecision(resp, decision)
	resp.Audit = annotate(requestID, decision, summary, docs, time.Since(start))

	if err := g.cache.Put(ctx, fingerprint, resp); err != nil {
		g.log.Warn(req.OrgID, requestID, "cache write failed", map[string]interface{}{"error": err.Error()})
	}

	g.logCompleteEntry(ctx, requestID, req, map[string]interface{}{
		"decision":   decision.Action,
		"violations": violationKindList(decision.Violations),
		"scores":     summary.Scores,
		"usage":      resp.Usage,
		"provider":   providerName,
	})

	g.metrics.RequestsTotal.WithLabelValues("success").Inc()
	g.metrics.RequestDuration.WithLabelValues(providerName).Observe(float64(time.Since(start).Milliseconds()))
	return resp, nil
}

// ProcessStream handles one streaming call. Raw provider chunks are relayed
// to the handler as they arrive while the full text accumulates; evaluation
// and policy run once the stream ends. A REWRITE appends a content-modified
// notice plus the rewritten text after the raw stream; a BLOCK surfaces as
// an error chunk and a ContentBlockedError.
func (g *Gateway) ProcessStream(ctx context.Context, req llm.CallRequest, handler llm.StreamHandler) (*llm.CallResponse, error) {
	if err := validateRequest(req); err != nil {
		g.log.Warn(req.OrgID, "", "rejected invalid request", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	requestID := uuid.New().String()
	start := time.Now()

	g.logRequestEntry(ctx, requestID, req)

	provider, err := g.providers.ProviderFor(req.Model)
	if err != nil {
		g.failCall(ctx, requestID, req, "", err)
		return nil, err
	}

	docs := g.retrieve(ctx, requestID, req)
	augmented := injectContext(req, docs)

	// The adapter's own terminal chunk is withheld; the gateway decides
	// what ends the stream after policy runs.
	relay := func(chunk llm.StreamChunk) error {
		if chunk.Type == "done" {
			return nil
		}
		return handler(chunk)
	}

	var resp *llm.CallResponse
	err = g.breaker.Execute(breakerKey(provider.Name(), purposeStream), func() error {
		var streamErr error
		resp, streamErr = provider.Stream(ctx, augmented, relay)
		return streamErr
	})
	if err != nil {
		var openErr *resilience.CircuitOpenError
		if errors.As(err, &openErr) {
			g.metrics.CircuitRejects.WithLabelValues(provider.Name()).Inc()
		}
		g.failCall(ctx, requestID, req, provider.Name(), err)
		return nil, err
	}

	summary := g.evaluate(ctx, req, resp, docs)

	decision, err := g.policy.Decide(ctx, summary, PolicyContext{
		OrgID:    req.OrgID,
		CallerID: req.CallerID,
		Model:    req.Model,
		Response: resp.Content(),
		Metadata: req.Metadata,
	})
	if err != nil {
		g.failCall(ctx, requestID, req, provider.Name(), err)
		return nil, err
	}
	g.metrics.Decisions.WithLabelValues(decision.Action).Inc()

	if decision.Action == DecisionBlock {
		blockErr := &ContentBlockedError{RequestID: requestID, Violations: decision.Violations}
		_ = handler(llm.StreamChunk{Type: "error", Error: blockErr.Error(), Done: true})
		g.failCall(ctx, requestID, req, provider.Name(), blockErr)
		return nil, blockErr
	}

	if decision.Action == DecisionRewrite {
		if err := handler(llm.StreamChunk{Type: "rewrite_notice", Content: decision.RewrittenText}); err != nil {
			g.failCall(ctx, requestID, req, provider.Name(), err)
			return nil, err
		}
	}
	if err := handler(llm.StreamChunk{Type: "done", Done: true}); err != nil {
		g.failCall(ctx, requestID, req, provider.Name(), err)
		return nil, err
	}

	applyDecision(resp, decision)
	resp.Audit = annotate(requestID, decision, summary, docs, time.Since(start))

	g.logCompleteEntry(ctx, requestID, req, map[string]interface{}{
		"decision":   decision.Action,
		"violations": violationKindList(decision.Violations),
		"scores":     summary.Scores,
		"usage":      resp.Usage,
		"provider":   provider.Name(),
		"streamed":   true,
	})

	g.metrics.RequestsTotal.WithLabelValues("success").Inc()
	g.metrics.RequestDuration.WithLabelValues(provider.Name()).Observe(float64(time.Since(start).Milliseconds()))
	return resp, nil
}

// Circuit breaker purposes. Unary calls and streams trip independently:
// the breaker key is provider name plus purpose.
const (
	purposeCall   = "call"
	purposeStream = "stream"
)

func breakerKey(provider, purpose string) string {
	return provider + ":" + purpose
}

// dispatch runs the resilience-wrapped provider call: concurrent calls with
// the same fingerprint join one upstream flight, and the circuit breaker
// guards each provider purpose.
func (g *Gateway) dispatch(ctx context.Context, requestID, fingerprint string, req llm.CallRequest) (*llm.CallResponse, []retrieval.ContextDocument, string, error) {
	provider, err := g.providers.ProviderFor(req.Model)
	if err != nil {
		return nil, nil, "", err
	}

	docs := g.retrieve(ctx, requestID, req)
	augmented := injectContext(req, docs)

	resp, joined, err := g.dedup.Do(ctx, fingerprint, func() (*llm.CallResponse, error) {
		var callResp *llm.CallResponse
		callErr := g.breaker.Execute(breakerKey(provider.Name(), purposeCall), func() error {
			var innerErr error
			callResp, innerErr = provider.Call(ctx, augmented)
			return innerErr
		})
		return callResp, callErr
	})
	if joined {
		g.metrics.DedupJoins.Inc()
	}
	if err != nil {
		var openErr *resilience.CircuitOpenError
		if errors.As(err, &openErr) {
			g.metrics.CircuitRejects.WithLabelValues(provider.Name()).Inc()
		}
		return nil, docs, provider.Name(), err
	}
	return resp, docs, provider.Name(), nil
}

// retrieve fetches organizational context. Failures degrade to no context
// rather than failing the call.
func (g *Gateway) retrieve(ctx context.Context, requestID string, req llm.CallRequest) []retrieval.ContextDocument {
	if g.retriever == nil {
		return nil
	}

	query := lastUserMessage(req.Messages)
	if query == "" {
		return nil
	}

	docs, err := g.retriever.Search(ctx, query, req.OrgID, retrieval.SearchOptions{
		Limit:              g.retrievalLimit,
		RelevanceThreshold: g.retrievalThreshold,
	})
	if err != nil {
		retErr := &ContextRetrievalError{OrgID: req.OrgID, Cause: err}
		g.log.Warn(req.OrgID, requestID, "context retrieval failed, continuing without context",
			map[string]interface{}{"error": retErr.Error()})
		return nil
	}
	return docs
}

func (g *Gateway) evaluate(ctx context.Context, req llm.CallRequest, resp *llm.CallResponse, docs []retrieval.ContextDocument) evaluator.Summary {
	summary := g.mesh.Evaluate(ctx, evaluator.Context{
		Prompt:    req.Messages,
		Response:  resp.Content(),
		OrgID:     req.OrgID,
		Documents: docs,
	})
	for name := range summary.Failed {
		g.metrics.EvaluatorFailures.WithLabelValues(name).Inc()
	}
	return summary
}

func (g *Gateway) logRequestEntry(ctx context.Context, requestID string, req llm.CallRequest) {
	err := g.audit.LogRequest(ctx, requestID, req.OrgID, req.CallerID, map[string]interface{}{
		"model":    req.Model,
		"messages": len(req.Messages),
		"stream":   req.Stream,
		"metadata": req.Metadata,
	})
	if err != nil {
		g.alertAuditFailure(req.OrgID, requestID, err)
	}
}

func (g *Gateway) logCompleteEntry(ctx context.Context, requestID string, req llm.CallRequest, payload map[string]interface{}) {
	if err := g.audit.LogComplete(ctx, requestID, req.OrgID, req.CallerID, payload); err != nil {
		g.alertAuditFailure(req.OrgID, requestID, err)
	}
}

// failCall writes the terminal error entry and counts the failure. Audit
// write problems are alerted, never allowed to mask the original error.
func (g *Gateway) failCall(ctx context.Context, requestID string, req llm.CallRequest, providerName string, callErr error) {
	payload := map[string]interface{}{}
	if providerName != "" {
		payload["provider"] = providerName
	}
	var blockErr *ContentBlockedError
	if errors.As(callErr, &blockErr) {
		payload["violations"] = blockErr.ViolationKinds()
		g.metrics.RequestsTotal.WithLabelValues("blocked").Inc()
	} else {
		g.metrics.RequestsTotal.WithLabelValues("error").Inc()
	}

	// Terminal audit entries must survive caller cancellation.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.audit.LogError(auditCtx, requestID, req.OrgID, req.CallerID, callErr, payload); err != nil {
		g.alertAuditFailure(req.OrgID, requestID, err)
	}
}

func (g *Gateway) alertAuditFailure(orgID, requestID string, err error) {
	g.metrics.AuditWriteErrors.Inc()
	g.log.Error(orgID, requestID, "ALERT: audit write failed", map[string]interface{}{
		"error": err.Error(),
	})
}

// HealthReport is the gateway-wide health rollup.
type HealthReport struct {
	Status     string          `json:"status"` // healthy, degraded, unhealthy
	Subsystems map[string]bool `json:"subsystems"`
}

// Health probes every subsystem. The rollup is healthy when all probes
// pass, degraded when some do, unhealthy when none do.
func (g *Gateway) Health(ctx context.Context) HealthReport {
	subsystems := map[string]bool{
		"audit":  g.audit.IsHealthy(ctx),
		"policy": g.policy.IsHealthy(ctx),
	}
	for name, ok := range g.providers.Health(ctx) {
		subsystems["provider:"+name] = ok
	}
	for name, ok := range g.mesh.Health(ctx) {
		subsystems["evaluator:"+name] = ok
	}

	passed := 0
	for _, ok := range subsystems {
		if ok {
			passed++
		}
	}

	status := "degraded"
	switch passed {
	case len(subsystems):
		status = "healthy"
	case 0:
		status = "unhealthy"
	}
	return HealthReport{Status: status, Subsystems: subsystems}
}

// Audit exposes the audit logger for the management API surface.
func (g *Gateway) Audit() *AuditLogger { return g.audit }

// Policy exposes the policy engine for the management API surface.
func (g *Gateway) Policy() *PolicyEngine { return g.policy }

// Providers exposes the provider manager for the status API surface.
func (g *Gateway) Providers() *llm.Manager { return g.providers }

// BreakerStates reports per-provider circuit state for the status API.
func (g *Gateway) BreakerStates() map[string]string { return g.breaker.States() }

func validateRequest(req llm.CallRequest) error {
	if req.Model == "" {
		return &ValidationError{Field: "model", Message: "model is required"}
	}
	if req.OrgID == "" {
		return &ValidationError{Field: "org_id", Message: "organization id is required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "at least one message is required"}
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return &ValidationError{
				Field:   fmt.Sprintf("messages[%d].role", i),
				Message: fmt.Sprintf("unknown role %q", msg.Role),
			}
		}
	}
	return nil
}

// injectContext attaches retrieved documents as system instruction text:
// appended to an existing system message, or prepended as a new one.
func injectContext(req llm.CallRequest, docs []retrieval.ContextDocument) llm.CallRequest {
	if len(docs) == 0 {
		return req
	}

	var b strings.Builder
	b.WriteString("Relevant organizational context:\n")
	for _, doc := range docs {
		b.WriteString("\n---\n")
		if source, ok := doc.Source["filename"]; ok {
			b.WriteString("Source: " + source + "\n")
		}
		b.WriteString(doc.Content)
	}
	block := b.String()

	messages := append([]llm.Message(nil), req.Messages...)
	for i, msg := range messages {
		if msg.Role == llm.RoleSystem {
			messages[i].Content = msg.Content + "\n\n" + block
			return req.WithMessages(messages)
		}
	}

	withSystem := make([]llm.Message, 0, len(messages)+1)
	withSystem = append(withSystem, llm.Message{Role: llm.RoleSystem, Content: block})
	withSystem = append(withSystem, messages...)
	return req.WithMessages(withSystem)
}

// applyDecision substitutes rewritten text into the response on REWRITE.
func applyDecision(resp *llm.CallResponse, decision Decision) {
	if decision.Action != DecisionRewrite {
		return
	}
	for i := range resp.Choices {
		resp.Choices[i].Message.Content = decision.RewrittenText
	}
}

func annotate(requestID string, decision Decision, summary evaluator.Summary, docs []retrieval.ContextDocument, elapsed time.Duration) *llm.AuditAnnotation {
	docIDs := make([]string, 0, len(docs))
	for _, doc := range docs {
		docIDs = append(docIDs, doc.ID)
	}
	return &llm.AuditAnnotation{
		RequestID:     requestID,
		Rewritten:     decision.Action == DecisionRewrite,
		Violations:    violationKindList(decision.Violations),
		Scores:        summary.Scores,
		DocumentsUsed: docIDs,
		LatencyMS:     elapsed.Milliseconds(),
	}
}

func violationKindList(violations []evaluator.Violation) []string {
	kinds := make([]string, 0, len(violations))
	for _, v := range violations {
		kinds = append(kinds, v.Kind)
	}
	return kinds
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
