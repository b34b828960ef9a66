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

package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crossaudit/platform/gateway/llm"
)

// MockHTTPClient is a mock implementation of HTTPClient
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// =============================================================================
// Provider Creation Tests
// =============================================================================

func TestNewProvider_Success(t *testing.T) {
	provider, err := NewProvider(Config{APIKey: "test-api-key"})

	require.NoError(t, err)
	assert.Equal(t, "openai", provider.Name())
	assert.Equal(t, DefaultBaseURL, provider.baseURL)
	assert.Equal(t, DefaultModel, provider.model)
}

func TestNewProvider_MissingAPIKey(t *testing.T) {
	provider, err := NewProvider(Config{})

	assert.Error(t, err)
	assert.Nil(t, provider)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestProvider_ModelPrefixes(t *testing.T) {
	provider := &Provider{}
	prefixes := provider.ModelPrefixes()

	assert.Contains(t, prefixes, "gpt-")
	assert.Contains(t, prefixes, "o1-")
}

// =============================================================================
// Call Tests
// =============================================================================

func TestCall_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider, err := NewProvider(Config{APIKey: "key", Client: mockClient})
	require.NoError(t, err)

	respBody := `{
		"id": "chatcmpl-123",
		"model": "gpt-4o-2024-08-06",
		"choices": [{"message": {"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`
	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return strings.HasSuffix(req.URL.Path, "/v1/chat/completions") &&
			req.Header.Get("Authorization") == "Bearer key"
	})).Return(jsonResponse(200, respBody), nil)

	resp, err := provider.Call(context.Background(), llm.CallRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-123", resp.ID)
	assert.Equal(t, "gpt-4o-2024-08-06", resp.Model)
	assert.Equal(t, "Hello there", resp.Content())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	mockClient.AssertExpectations(t)
}

func TestCall_APIErrorParsing(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider, err := NewProvider(Config{APIKey: "key", Client: mockClient})
	require.NoError(t, err)

	respBody := `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error", "code": "invalid_api_key"}}`
	mockClient.On("Do", mock.Anything).Return(jsonResponse(401, respBody), nil)

	_, err = provider.Call(context.Background(), llm.CallRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})

	require.Error(t, err)
	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.IsAuthError())
	assert.False(t, perr.Retryable)
	assert.Contains(t, perr.Message, "Incorrect API key")
}

// =============================================================================
// Rate-Limit Header Tests
// =============================================================================

func TestCall_ObservesRateLimitHeaders(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider, err := NewProvider(Config{APIKey: "key", Client: mockClient})
	require.NoError(t, err)

	resp := jsonResponse(200, `{"id":"c","choices":[],"usage":{}}`)
	resp.Header.Set("x-ratelimit-remaining-requests", "58")
	resp.Header.Set("x-ratelimit-remaining-tokens", "149000")
	resp.Header.Set("x-ratelimit-reset-requests", "1s")
	mockClient.On("Do", mock.Anything).Return(resp, nil)

	_, err = provider.Call(context.Background(), llm.CallRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	state := provider.RateLimitStatus()
	assert.Equal(t, 58, state.RequestsRemaining)
	assert.Equal(t, 149000, state.TokensRemaining)
	assert.False(t, state.ResetAt.IsZero())
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestStream_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider, err := NewProvider(Config{APIKey: "key", Client: mockClient})
	require.NoError(t, err)

	sse := strings.Join([]string{
		`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		``,
		`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, sse), nil)

	var chunks []llm.StreamChunk
	resp, err := provider.Stream(context.Background(), llm.CallRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, func(c llm.StreamChunk) error {
		chunks = append(chunks, c)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content())
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.True(t, chunks[2].Done)
}

func TestStream_MalformedEventsAreSkipped(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider, err := NewProvider(Config{APIKey: "key", Client: mockClient})
	require.NoError(t, err)

	sse := strings.Join([]string{
		`data: not-json`,
		``,
		`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"ok"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, sse), nil)

	resp, err := provider.Stream(context.Background(), llm.CallRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content())
}

// =============================================================================
// Health Check Tests
// =============================================================================

func TestHealthCheck_ValidationErrorCountsAsReachable(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider, err := NewProvider(Config{APIKey: "key", Client: mockClient})
	require.NoError(t, err)

	mockClient.On("Do", mock.Anything).Return(jsonResponse(400, `{"error":{"message":"bad request"}}`), nil)

	assert.True(t, provider.HealthCheck(context.Background()))
}

func TestHealthCheck_TransportFailureIsDown(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider, err := NewProvider(Config{APIKey: "key", Client: mockClient})
	require.NoError(t, err)

	mockClient.On("Do", mock.Anything).Return(nil, errors.New("connection reset"))

	assert.False(t, provider.HealthCheck(context.Background()))
}
