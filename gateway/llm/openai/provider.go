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

// Package openai provides an LLM provider adapter for OpenAI's chat models.
// It supports GPT-4o, GPT-4, o1, and other chat-completion models with both
// streaming and non-streaming modes.
package openai

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
	// DefaultBaseURL is the default OpenAI API endpoint
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// DefaultModel is used when a request carries no model id
	DefaultModel = "gpt-4o"

	// ProviderName is the registered provider name
	ProviderName = "openai"
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements the llm.Provider interface for OpenAI
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	client  HTTPClient
	limits  *llm.RateLimitTracker
}

// Config contains configuration for the OpenAI provider
type Config struct {
	APIKey  string        // Required: OpenAI API key
	BaseURL string        // Optional: API base URL (default: https://api.openai.com)
	Model   string        // Optional: Default model (default: gpt-4o)
	Timeout time.Duration // Optional: HTTP timeout (default: 120s)
	Client  HTTPClient    // Optional: HTTP client override, used in tests
}

// NewProvider creates a new OpenAI provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
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
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  client,
		limits:  llm.NewRateLimitTracker(),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return ProviderName
}

// ModelPrefixes returns the model-id prefixes routed to this provider
func (p *Provider) ModelPrefixes() []string {
	return []string{"gpt-", "o1-", "o3-", "chatgpt-"}
}

// RateLimitStatus returns the last-observed upstream rate-limit state
func (p *Provider) RateLimitStatus() llm.RateLimitState {
	return p.limits.Snapshot()
}

// Call performs a non-streaming chat completion
func (p *Provider) Call(ctx context.Context, req llm.CallRequest) (*llm.CallResponse, error) {
	resp, err := p.dispatch(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeServerError,
			fmt.Sprintf("failed to decode response: %v", err))
	}

	return apiResp.toCallResponse(), nil
}

// Stream performs a streaming chat completion, relaying chunks to handler
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

// dispatch builds, sends, and status-checks one API request. On a non-200
// response the body is consumed and converted into a ProviderError.
func (p *Provider) dispatch(ctx context.Context, req llm.CallRequest, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	apiReq := chatRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(req.Messages)),
		Stream:   stream,
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	if req.Temperature >= 0 {
		t := req.Temperature
		apiReq.Temperature = &t
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if stream {
		apiReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeInvalidRequest,
			fmt.Sprintf("failed to marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, llm.NewProviderError(ProviderName, llm.ErrCodeInvalidRequest,
			fmt.Sprintf("failed to create request: %v", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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

// observeRateLimits refreshes the tracker from OpenAI response headers.
// The reset header carries a duration like "1s" or "6m0s".
func (p *Provider) observeRateLimits(resp *http.Response) {
	var resetAt time.Time
	if raw := resp.Header.Get("x-ratelimit-reset-requests"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			resetAt = time.Now().Add(d)
		}
	}
	p.limits.Observe(
		resp.Header.Get("x-ratelimit-remaining-requests"),
		resp.Header.Get("x-ratelimit-remaining-tokens"),
		resetAt,
	)
}

// parseAPIError converts an OpenAI error body into a ProviderError
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
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

// processStream processes the SSE stream from OpenAI
func (p *Provider) processStream(body io.Reader, handler llm.StreamHandler, model string) (*llm.CallResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var usage llm.UsageStats
	var finishReason string
	var responseID, responseModel string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event chatStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		if event.ID != "" {
			responseID = event.ID
		}
		if event.Model != "" {
			responseModel = event.Model
		}
		if event.Usage != nil {
			usage = llm.UsageStats{
				PromptTokens:     event.Usage.PromptTokens,
				CompletionTokens: event.Usage.CompletionTokens,
				TotalTokens:      event.Usage.TotalTokens,
			}
		}

		for _, choice := range event.Choices {
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			contentBuilder.WriteString(choice.Delta.Content)
			if handler != nil {
				if err := handler(llm.StreamChunk{Type: "content", Content: choice.Delta.Content}); err != nil {
					return nil, fmt.Errorf("handler error: %w", err)
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

	if responseModel == "" {
		responseModel = model
	}

	return &llm.CallResponse{
		ID:    responseID,
		Model: responseModel,
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: contentBuilder.String()},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}, nil
}

// Internal API types

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (r *chatResponse) toCallResponse() *llm.CallResponse {
	out := &llm.CallResponse{
		ID:    r.ID,
		Model: r.Model,
		Usage: llm.UsageStats{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
	}
	for _, c := range r.Choices {
		out.Choices = append(out.Choices, llm.Choice{
			Message:      llm.Message{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	return out
}

type chatStreamEvent struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}
