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

package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"crossaudit/platform/shared/logger"
)

// Provider is the contract every upstream adapter implements. Adapters
// normalize exactly one vendor: request/response shape, error bodies,
// streaming, and rate-limit headers. Retry policy lives above this
// interface, never inside an adapter.
type Provider interface {
	// Name returns the unique provider name ("openai", "anthropic", ...).
	Name() string

	// Call performs a non-streaming completion.
	Call(ctx context.Context, req CallRequest) (*CallResponse, error)

	// Stream performs a streaming completion, invoking handler per chunk,
	// and returns the accumulated response when the stream ends.
	Stream(ctx context.Context, req CallRequest, handler StreamHandler) (*CallResponse, error)

	// HealthCheck issues a minimal probe. Provider-side validation errors
	// count as reachable; only transport-level failures count as down.
	HealthCheck(ctx context.Context) bool

	// RateLimitStatus returns the last-observed upstream rate-limit state.
	RateLimitStatus() RateLimitState

	// ModelPrefixes returns the model-id prefixes this provider claims.
	ModelPrefixes() []string
}

// Manager routes calls to registered providers by model-id prefix and
// exposes uniform call/stream/health/rate-limit operations over them.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	fallback  string
	log       *logger.Logger
}

// NewManager creates an empty provider manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.New("llm-manager")
	}
	return &Manager{
		providers: make(map[string]Provider),
		log:       log,
	}
}

// Register adds a provider. The first registered provider becomes the
// fallback for unmatched model ids until SetFallback overrides it.
func (m *Manager) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return fmt.Errorf("provider must have a name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}

	m.providers[p.Name()] = p
	m.order = append(m.order, p.Name())
	if m.fallback == "" {
		m.fallback = p.Name()
	}

	m.log.Info("", "", "registered LLM provider", map[string]interface{}{
		"provider": p.Name(),
		"prefixes": p.ModelPrefixes(),
	})
	return nil
}

// SetFallback designates the provider used for model ids no prefix claims.
func (m *Manager) SetFallback(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[name]; !exists {
		return fmt.Errorf("unknown provider %q", name)
	}
	m.fallback = name
	return nil
}

// ProviderFor resolves the provider for a model id. Prefixes are checked
// in registration order; unmatched ids go to the fallback provider.
func (m *Manager) ProviderFor(model string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.order {
		p := m.providers[name]
		for _, prefix := range p.ModelPrefixes() {
			if strings.HasPrefix(model, prefix) {
				return p, nil
			}
		}
	}

	if m.fallback != "" {
		return m.providers[m.fallback], nil
	}
	return nil, fmt.Errorf("no provider registered for model %q", model)
}

// Provider returns a registered provider by name.
func (m *Manager) Provider(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// Call routes and executes a non-streaming completion.
func (m *Manager) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	p, err := m.ProviderFor(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Call(ctx, req)
}

// Stream routes and executes a streaming completion.
func (m *Manager) Stream(ctx context.Context, req CallRequest, handler StreamHandler) (*CallResponse, error) {
	p, err := m.ProviderFor(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Stream(ctx, req, handler)
}

// HealthCheck probes one provider by name.
func (m *Manager) HealthCheck(ctx context.Context, name string) (bool, error) {
	p, ok := m.Provider(name)
	if !ok {
		return false, fmt.Errorf("unknown provider %q", name)
	}
	return p.HealthCheck(ctx), nil
}

// RateLimitStatus reports the last-observed rate-limit state by name.
func (m *Manager) RateLimitStatus(name string) (RateLimitState, error) {
	p, ok := m.Provider(name)
	if !ok {
		return RateLimitState{}, fmt.Errorf("unknown provider %q", name)
	}
	return p.RateLimitStatus(), nil
}

// Health probes every provider and returns a name-to-healthy map.
func (m *Manager) Health(ctx context.Context) map[string]bool {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	out := make(map[string]bool, len(names))
	for _, name := range names {
		p, ok := m.Provider(name)
		if !ok {
			continue
		}
		out[name] = p.HealthCheck(ctx)
	}
	return out
}

// Names returns the registered provider names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}
