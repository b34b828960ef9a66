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

// Package anthropic provides an LLM provider adapter for Anthropic's Claude
// models. It supports streaming and non-streaming completion modes and maps
// the Messages API shape onto the gateway's unified request/response types.
package anthropic

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
	// DefaultBaseURL is the default Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version
	DefaultAPIVersion = "2023-06-01"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// DefaultModel is used when a request carries no model id
	DefaultModel = "claude-3-5-sonnet-20241022"

	// ProviderName is the registered provider name
	ProviderName = "anthropic"
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements the llm.Provider interface for Anthropic Claude
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
	limits     *llm.RateLimitTracker
}

// Config contains configuration for the Anthropic provider
type Config struct {
	APIKey     string        // Required: Anthropic API key
	BaseURL    string        // Optional: API base URL (default: https://api.anthropic.com)
	APIVersion string        // Optional: API version (default: 2023-06-01)
	Model      string        // Optional: Default model (default: claude-3-5-sonnet-20241022)
	Timeout    time.Duration // Optional: HTTP timeout (default: 120s)
	Client     HTTPClient    // Optional: HTTP client override, used in tests
}

// NewProvider creates a new Anthropic provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
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
	return []string{"claude-"}
}

// RateLimitStatus returns the last-observed upstream rate-limit state
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

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeServerError,
			fmt.Sprintf("failed to decode response: %v", err))
	}

	// Concatenate text blocks
	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	return &llm.CallResponse{
		ID:    apiResp.ID,
		Model: apiResp.Model,
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: contentBuilder.String()},
			FinishReason: normalizeStopReason(apiResp.StopReason),
		}},
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}, nil
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

	return p.processStream(resp.Body, handler, req.Model)
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

// dispatch builds, sends, and status-checks one Messages API request.
// System messages are folded into the top-level system field; the rest of
// the conversation maps to user/assistant messages.
func (p *Provider) dispatch(ctx context.Context, req llm.CallRequest, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Stream:    stream,
	}

	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		apiReq.Messages = append(apiReq.Messages, apiMessage{Role: m.Role, Content: m.Content})
	}
	if len(systemParts) > 0 {
		apiReq.System = strings.Join(systemParts, "\n\n")
	}

	// Temperature: 0.0 is valid (deterministic), negative means unset
	if req.Temperature >= 0 {
		t := req.Temperature
		apiReq.Temperature = &t
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeInvalidRequest,
			fmt.Sprintf("failed to marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeInvalidRequest,
			fmt.Sprintf("failed to create request: %v", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		perr := llm.NewProviderError(ProviderName, llm.ErrCodeUnavailable, err.Error())
		perr.Cause = err
		return nil, perr
	}

	p.observeRateLimits(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	return resp, nil
}

// observeRateLimits refreshes the tracker from Anthropic response headers.
// The reset header carries an RFC3339 timestamp.
func (p *Provider) observeRateLimits(resp *http.Response) {
	var resetAt time.Time
	if raw := resp.Header.Get("anthropic-ratelimit-requests-reset"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			resetAt = t
		}
	}
	p.limits.Observe(
		resp.Header.Get("anthropic-ratelimit-requests-remaining"),
		resp.Header.Get("anthropic-ratelimit-tokens-remaining"),
		resetAt,
	)
}

// parseAPIError converts an Anthropic error body into a ProviderError
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	code := llm.CodeForStatus(statusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		switch errResp.Error.Type {
		case "rate_limit_error":
			code = llm.ErrCodeRateLimit
		case "authentication_error":
			code = llm.ErrCodeAuth
		case "overloaded_error":
			code = llm.ErrCodeUnavailable
		}
	}

	perr := llm.NewProviderError(ProviderName, code, message)
	perr.StatusCode = statusCode
	return perr
}

// processStream processes the SSE stream from Anthropic
func (p *Provider) processStream(body io.Reader, handler llm.StreamHandler, model string) (*llm.CallResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var usage llm.UsageStats
	var stopReason string
	var responseID, responseModel string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				responseID = event.Message.ID
				responseModel = event.Message.Model
				if event.Message.Usage != nil {
					usage.PromptTokens = event.Message.Usage.InputTokens
				}
			}

		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				contentBuilder.WriteString(event.Delta.Text)
				if handler != nil {
					if err := handler(llm.StreamChunk{Type: "content", Content: event.Delta.Text}); err != nil {
						return nil, fmt.Errorf("handler error: %w", err)
					}
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			if handler != nil {
				if err := handler(llm.StreamChunk{Type: "done", Done: true}); err != nil {
					return nil, fmt.Errorf("handler error: %w", err)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeServerError,
			fmt.Sprintf("stream read error: %v", err))
	}

	if responseModel == "" {
		responseModel = model
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &llm.CallResponse{
		ID:    responseID,
		Model: responseModel,
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: contentBuilder.String()},
			FinishReason: normalizeStopReason(stopReason),
		}},
		Usage: usage,
	}, nil
}

// normalizeStopReason maps Anthropic stop reasons onto the unified values
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "max_tokens"
	default:
		return reason
	}
}

// Internal API types

type messagesRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type,omitempty"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}
