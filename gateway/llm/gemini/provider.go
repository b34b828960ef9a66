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

// Package gemini provides an LLM provider adapter for Google's Gemini models
// via the Generative Language API.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crossaudit/platform/gateway/llm"
)

const (
	// DefaultBaseURL is the default Generative Language API endpoint
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion is the API version path segment
	DefaultAPIVersion = "v1beta"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 120 * time.Second

	// DefaultModel is used when a request carries no model id
	DefaultModel = "gemini-1.5-pro"

	// ProviderName is the registered provider name
	ProviderName = "gemini"
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements the llm.Provider interface for Gemini
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
	limits     *llm.RateLimitTracker
}

// Config contains configuration for the Gemini provider
type Config struct {
	APIKey     string        // Required: Google AI API key
	BaseURL    string        // Optional: API base URL
	APIVersion string        // Optional: API version (default: v1beta)
	Model      string        // Optional: Default model (default: gemini-1.5-pro)
	Timeout    time.Duration // Optional: HTTP timeout (default: 120s)
	Client     HTTPClient    // Optional: HTTP client override, used in tests
}

// NewProvider creates a new Gemini provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     client,
		limits:     llm.NewRateLimitTracker(),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return ProviderName
}

// ModelPrefixes returns the model-id prefixes routed to this provider
func (p *Provider) ModelPrefixes() []string {
	return []string{"gemini-"}
}

// RateLimitStatus returns the last-observed upstream rate-limit state.
// The Generative Language API does not expose rate-limit headers, so this
// stays at its never-observed defaults.
func (p *Provider) RateLimitStatus() llm.RateLimitState {
	return p.limits.Snapshot()
}

// Call performs a non-streaming completion
func (p *Provider) Call(ctx context.Context, req llm.CallRequest) (*llm.CallResponse, error) {
	resp, err := p.dispatch(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var apiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeServerError,
			fmt.Sprintf("failed to decode response: %v", err))
	}

	return apiResp.toCallResponse(p.resolveModel(req.Model)), nil
}

// Stream performs a streaming completion, relaying chunks to handler
func (p *Provider) Stream(ctx context.Context, req llm.CallRequest, handler llm.StreamHandler) (*llm.CallResponse, error) {
	resp, err := p.dispatch(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return p.processStream(resp.Body, handler, p.resolveModel(req.Model))
}

// HealthCheck issues a 1-token probe. Provider-side validation errors count
// as reachable; only transport failures and 5xx responses count as down.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	probe := llm.CallRequest{
		Model:     p.model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}

	resp, err := p.dispatch(ctx, probe, false)
	if err != nil {
		var perr *llm.ProviderError
		if errors.As(err, &perr) && perr.StatusCode > 0 && perr.StatusCode < 500 {
			return true
		}
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (p *Provider) resolveModel(model string) string {
	if model == "" {
		return p.model
	}
	return model
}

// dispatch builds, sends, and status-checks one generateContent request.
// System messages map to systemInstruction; assistant messages map to the
// "model" role.
func (p *Provider) dispatch(ctx context.Context, req llm.CallRequest, stream bool) (*http.Response, error) {
	model := p.resolveModel(req.Model)

	apiReq := generateRequest{}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, m.Content)
		case llm.RoleAssistant:
			apiReq.Contents = append(apiReq.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			apiReq.Contents = append(apiReq.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(systemParts) > 0 {
		apiReq.SystemInstruction = &content{Parts: []part{{Text: strings.Join(systemParts, "\n\n")}}}
	}

	cfg := &generationConfig{}
	if req.Temperature >= 0 {
		t := req.Temperature
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	}
	if cfg.Temperature != nil || cfg.MaxOutputTokens > 0 {
		apiReq.GenerationConfig = cfg
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeInvalidRequest,
			fmt.Sprintf("failed to marshal request: %v", err))
	}

	method := "generateContent"
	query := "?key=" + p.apiKey
	if stream {
		method = "streamGenerateContent"
		query = "?alt=sse&key=" + p.apiKey
	}
	url := fmt.Sprintf("%s/%s/models/%s:%s%s", p.baseURL, p.apiVersion, model, method, query)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeInvalidRequest,
			fmt.Sprintf("failed to create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		perr := llm.NewProviderError(ProviderName, llm.ErrCodeUnavailable, err.Error())
		perr.Cause = err
		return nil, perr
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	return resp, nil
}

// parseAPIError converts a Gemini error body into a ProviderError
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	perr := llm.NewProviderError(ProviderName, llm.CodeForStatus(statusCode), message)
	perr.StatusCode = statusCode
	return perr
}

// processStream processes the SSE stream from Gemini. Each data line is a
// complete GenerateContentResponse carrying incremental candidate text.
func (p *Provider) processStream(body io.Reader, handler llm.StreamHandler, model string) (*llm.CallResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var usage llm.UsageStats
	var finishReason string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		var event generateResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		if event.UsageMetadata != nil {
			usage = llm.UsageStats{
				PromptTokens:     event.UsageMetadata.PromptTokenCount,
				CompletionTokens: event.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      event.UsageMetadata.TotalTokenCount,
			}
		}

		for _, cand := range event.Candidates {
			if cand.FinishReason != "" {
				finishReason = cand.FinishReason
			}
			for _, pt := range cand.Content.Parts {
				if pt.Text == "" {
					continue
				}
				contentBuilder.WriteString(pt.Text)
				if handler != nil {
					if err := handler(llm.StreamChunk{Type: "content", Content: pt.Text}); err != nil {
						return nil, fmt.Errorf("handler error: %w", err)
					}
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeServerError,
			fmt.Sprintf("stream read error: %v", err))
	}

	if handler != nil {
		if err := handler(llm.StreamChunk{Type: "done", Done: true}); err != nil {
			return nil, fmt.Errorf("handler error: %w", err)
		}
	}

	return &llm.CallResponse{
		Model: model,
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: contentBuilder.String()},
			FinishReason: normalizeFinishReason(finishReason),
		}},
		Usage: usage,
	}, nil
}

// normalizeFinishReason maps Gemini finish reasons onto the unified values
func normalizeFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// Internal API types

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func (r *generateResponse) toCallResponse(model string) *llm.CallResponse {
	out := &llm.CallResponse{Model: model}

	for _, cand := range r.Candidates {
		var text strings.Builder
		for _, pt := range cand.Content.Parts {
			text.WriteString(pt.Text)
		}
		out.Choices = append(out.Choices, llm.Choice{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: text.String()},
			FinishReason: normalizeFinishReason(cand.FinishReason),
		})
	}

	if r.UsageMetadata != nil {
		out.Usage = llm.UsageStats{
			PromptTokens:     r.UsageMetadata.PromptTokenCount,
			CompletionTokens: r.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      r.UsageMetadata.TotalTokenCount,
		}
	}

	return out
}
