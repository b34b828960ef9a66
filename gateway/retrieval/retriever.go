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

// Package retrieval defines the context-retriever contract the gateway
// consumes and ships two implementations: an HTTP client for the document
// subsystem and a static retriever for tests and air-gapped deployments.
// Document ingestion and the vector index live outside the gateway; only
// the ranked-document contract crosses this boundary.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultLimit bounds the ranked document list attached to a request.
const DefaultLimit = 5

// ContextDocument is one ranked document returned by a search.
type ContextDocument struct {
	// ID uniquely identifies the document within its organization.
	ID string `json:"id"`

	// Content is the document text injected into the request.
	Content string `json:"content"`

	// Source carries provenance metadata (filename, data room, etc.).
	Source map[string]string `json:"source,omitempty"`
}

// SearchOptions tunes one search.
type SearchOptions struct {
	// Limit caps the number of documents returned. 0 means DefaultLimit.
	Limit int

	// RelevanceThreshold drops documents scored below it. 0 keeps all.
	RelevanceThreshold float64
}

// Retriever supplies ranked relevant documents for a query, scoped to one
// organization.
type Retriever interface {
	Search(ctx context.Context, query, orgID string, opts SearchOptions) ([]ContextDocument, error)
}

// HTTPRetriever queries the document subsystem's search endpoint.
type HTTPRetriever struct {
	baseURL string
	client  *http.Client
}

// HTTPConfig configures the HTTP retriever.
type HTTPConfig struct {
	BaseURL string        // Required: document service base URL
	Timeout time.Duration // Optional: HTTP timeout (default: 10s)
}

// NewHTTPRetriever creates a retriever against the document service.
func NewHTTPRetriever(cfg HTTPConfig) (*HTTPRetriever, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("retriever base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPRetriever{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type searchRequest struct {
	Query     string  `json:"query"`
	OrgID     string  `json:"org_id"`
	Limit     int     `json:"limit"`
	Threshold float64 `json:"threshold,omitempty"`
}

type searchResponse struct {
	Documents []ContextDocument `json:"documents"`
}

// Search posts the query to the document service and returns the ranked
// list, truncated to the limit.
func (r *HTTPRetriever) Search(ctx context.Context, query, orgID string, opts SearchOptions) ([]ContextDocument, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	body, err := json.Marshal(searchRequest{
		Query:     query,
		OrgID:     orgID,
		Limit:     limit,
		Threshold: opts.RelevanceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/api/v1/search", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("context search failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("context search returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	if len(out.Documents) > limit {
		out.Documents = out.Documents[:limit]
	}
	return out.Documents, nil
}

// StaticRetriever serves a fixed per-organization document set. Useful in
// tests and for deployments without a document subsystem.
type StaticRetriever struct {
	docs map[string][]ContextDocument
}

// NewStaticRetriever creates a retriever over an orgID-to-documents map.
func NewStaticRetriever(docs map[string][]ContextDocument) *StaticRetriever {
	if docs == nil {
		docs = make(map[string][]ContextDocument)
	}
	return &StaticRetriever{docs: docs}
}

// Search returns the organization's fixed documents, truncated to the limit.
func (r *StaticRetriever) Search(_ context.Context, _ string, orgID string, opts SearchOptions) ([]ContextDocument, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	docs := r.docs[orgID]
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}
