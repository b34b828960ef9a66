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

// Package llm provides a unified interface and types for LLM (Large Language Model) providers.
// This package defines the common abstractions used across all provider integrations in the
// gateway, enabling pluggable adapter implementations.
package llm

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Message roles accepted on inbound requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// CallRequest encapsulates all parameters for a chat completion call.
// This is the unified request type used across all providers. A request
// is treated as immutable once constructed; stages that need to change
// the message list work on a copy (see WithMessages).
type CallRequest struct {
	// Model selects the upstream model. The model id also determines
	// provider routing (see Manager.ProviderFor).
	Model string `json:"model"`

	// Messages is the ordered conversation history.
	Messages []Message `json:"messages"`

	// Temperature controls randomness (0.0 = deterministic).
	// Negative values mean "unset, use provider default".
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens limits the maximum number of tokens in the response.
	// If 0, provider defaults are used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Stream enables streaming response mode.
	Stream bool `json:"stream,omitempty"`

	// CallerID identifies the already-authorized caller, supplied by the
	// upstream auth gate.
	CallerID string `json:"caller_id"`

	// OrgID identifies the caller's organization. All audit, cache, and
	// policy state is scoped by this id.
	OrgID string `json:"org_id"`

	// Metadata contains arbitrary caller-supplied key-value tags. They are
	// audited and matchable by policy conditions.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WithMessages returns a shallow copy of the request carrying a new
// message list. The original request is left untouched.
func (r CallRequest) WithMessages(messages []Message) CallRequest {
	out := r
	out.Messages = messages
	return out
}

// Choice is a single completion alternative in a CallResponse.
type Choice struct {
	// Message is the generated assistant message.
	Message Message `json:"message"`

	// FinishReason indicates why generation stopped.
	// Common values: "stop", "max_tokens", "content_filter".
	FinishReason string `json:"finish_reason,omitempty"`
}

// CallResponse contains the result of a chat completion call.
type CallResponse struct {
	// ID is the provider-assigned response id.
	ID string `json:"id"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// Choices holds one or more completion alternatives.
	Choices []Choice `json:"choices"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Audit is attached by the gateway after policy evaluation. Providers
	// never populate this field.
	Audit *AuditAnnotation `json:"audit,omitempty"`
}

// Content returns the text of the first choice, or "" when empty.
func (r *CallResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Clone returns an independent copy of the response. Callers that share a
// deduplicated upstream result each get their own copy so later annotation
// does not leak across requests.
func (r *CallResponse) Clone() *CallResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Choices = make([]Choice, len(r.Choices))
	copy(out.Choices, r.Choices)
	if r.Audit != nil {
		audit := *r.Audit
		audit.Violations = append([]string(nil), r.Audit.Violations...)
		audit.DocumentsUsed = append([]string(nil), r.Audit.DocumentsUsed...)
		if r.Audit.Scores != nil {
			audit.Scores = make(map[string]float64, len(r.Audit.Scores))
			for k, v := range r.Audit.Scores {
				audit.Scores[k] = v
			}
		}
		out.Audit = &audit
	}
	return &out
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	// PromptTokens is the number of tokens in the input.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int `json:"total_tokens"`
}

// AuditAnnotation summarizes the governance outcome of a call. It is
// appended to the CallResponse returned to the caller.
type AuditAnnotation struct {
	// RequestID is the gateway-assigned request id, the join key across
	// the audit trail, cache, and deduplicator.
	RequestID string `json:"request_id"`

	// Rewritten reports whether the returned content was substituted by
	// policy rewrite.
	Rewritten bool `json:"rewritten"`

	// Violations lists the kinds of policy violations detected.
	Violations []string `json:"violations"`

	// Scores holds per-dimension evaluation scores.
	Scores map[string]float64 `json:"scores,omitempty"`

	// DocumentsUsed lists the ids of context documents injected into the
	// request.
	DocumentsUsed []string `json:"documents_used,omitempty"`

	// LatencyMS is the end-to-end gateway latency in milliseconds.
	LatencyMS int64 `json:"latency_ms"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	// Type identifies the chunk type for processing.
	// Common values: "content", "rewrite_notice", "done", "error".
	Type string `json:"type"`

	// Content is the text content of this chunk.
	Content string `json:"content,omitempty"`

	// Done indicates this is the final chunk.
	Done bool `json:"done"`

	// Error contains error information if Type is "error".
	Error string `json:"error,omitempty"`
}

// StreamHandler is a callback function for processing streaming chunks.
// Return an error to abort the stream.
type StreamHandler func(chunk StreamChunk) error

// RateLimitState is the last-observed upstream rate-limit posture for a
// provider. It is refreshed from response headers and kept in memory per
// process, never persisted.
type RateLimitState struct {
	// RequestsRemaining is the number of requests left in the window.
	// -1 means never observed.
	RequestsRemaining int `json:"requests_remaining"`

	// TokensRemaining is the number of tokens left in the window.
	// -1 means never observed.
	TokensRemaining int `json:"tokens_remaining"`

	// ResetAt is when the provider's limit window resets.
	ResetAt time.Time `json:"reset_at"`
}

// RateLimitTracker maintains a provider's RateLimitState under concurrent
// reads and header-driven updates. Missing or unparseable header values
// keep the previous state rather than zeroing it.
type RateLimitTracker struct {
	mu    sync.RWMutex
	state RateLimitState
}

// NewRateLimitTracker returns a tracker with no observations yet.
func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{
		state: RateLimitState{RequestsRemaining: -1, TokensRemaining: -1},
	}
}

// Observe updates the tracked state from raw header values. Empty or
// non-numeric values leave the corresponding field unchanged. A zero
// resetAt leaves ResetAt unchanged.
func (t *RateLimitTracker) Observe(requestsRemaining, tokensRemaining string, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, err := strconv.Atoi(requestsRemaining); err == nil {
		t.state.RequestsRemaining = v
	}
	if v, err := strconv.Atoi(tokensRemaining); err == nil {
		t.state.TokensRemaining = v
	}
	if !resetAt.IsZero() {
		t.state.ResetAt = resetAt
	}
}

// Snapshot returns a copy of the current state.
func (t *RateLimitTracker) Snapshot() RateLimitState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRateLimitError returns true if this is a rate limit error.
func (e *ProviderError) IsRateLimitError() bool {
	return e.Code == ErrCodeRateLimit
}

// IsAuthError returns true if this is an authentication error.
func (e *ProviderError) IsAuthError() bool {
	return e.Code == ErrCodeAuth
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeModelNotFound indicates the requested model doesn't exist.
	ErrCodeModelNotFound = "model_not_found"

	// ErrCodeContextLength indicates input exceeds the context window.
	ErrCodeContextLength = "context_length_exceeded"

	// ErrCodeServerError indicates a provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates request timeout.
	ErrCodeTimeout = "timeout"

	// ErrCodeUnavailable indicates the provider is unavailable.
	ErrCodeUnavailable = "unavailable"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// CodeForStatus maps an HTTP status code to an error code.
func CodeForStatus(status int) string {
	switch {
	case status == 429:
		return ErrCodeRateLimit
	case status == 401 || status == 403:
		return ErrCodeAuth
	case status == 404:
		return ErrCodeModelNotFound
	case status == 408:
		return ErrCodeTimeout
	case status == 503:
		return ErrCodeUnavailable
	case status >= 500:
		return ErrCodeServerError
	default:
		return ErrCodeInvalidRequest
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
