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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crossaudit/platform/gateway/evaluator"
	"crossaudit/platform/gateway/llm"
	"crossaudit/platform/gateway/llm/anthropic"
	"crossaudit/platform/gateway/llm/gemini"
	"crossaudit/platform/gateway/llm/openai"
	"crossaudit/platform/gateway/resilience"
	"crossaudit/platform/gateway/retrieval"
	"crossaudit/platform/shared/logger"
)

// Run is the composition root: it constructs every collaborator once at
// process start, wires them into a Gateway, and serves HTTP until SIGTERM.
func Run() error {
	log := logger.New("gateway")

	cfg, err := LoadConfig(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := buildProviders(cfg, log)
	if err != nil {
		return err
	}

	var retriever retrieval.Retriever
	if cfg.Retrieval.URL != "" {
		retriever, err = retrieval.NewHTTPRetriever(retrieval.HTTPConfig{BaseURL: cfg.Retrieval.URL})
		if err != nil {
			return fmt.Errorf("retrieval setup failed: %w", err)
		}
	}

	cacheStore, err := buildCacheStore(ctx, cfg)
	if err != nil {
		return err
	}

	ruleStore, err := buildRuleStore(cfg, log)
	if err != nil {
		return err
	}

	auditStore, err := buildAuditStore(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	mesh, err := buildMesh(cfg, manager, log)
	if err != nil {
		return err
	}

	rewriter, err := NewLLMRewriter(manager, cfg.Policy.RewriteModel, log)
	if err != nil {
		return err
	}
	engine := NewPolicyEngine(ruleStore, rewriter, cfg.PolicySettings(), log)
	audit := NewAuditLogger(auditStore, log)

	gw, err := New(Deps{
		Providers:          manager,
		Retriever:          retriever,
		Mesh:               mesh,
		Policy:             engine,
		Audit:              audit,
		Breaker:            resilience.NewCircuitBreaker(resilience.DefaultBreakerSettings(), log),
		Dedup:              resilience.NewDeduplicator(),
		Cache:              resilience.NewResponseCache(cacheStore, cfg.Cache.TTL),
		Metrics:            metrics,
		Log:                log,
		RetrievalLimit:     cfg.Retrieval.Limit,
		RetrievalThreshold: cfg.Retrieval.Threshold,
	})
	if err != nil {
		return err
	}

	server := NewServer(gw, ruleStore, []byte(cfg.Server.JWTSecret), registry, log, cfg.Server.MaxConcurrent)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "gateway listening", map[string]interface{}{"port": cfg.Server.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildProviders(cfg *Config, log *logger.Logger) (*llm.Manager, error) {
	manager := llm.NewManager(log)

	if cfg.Providers.OpenAIKey != "" {
		p, err := openai.NewProvider(openai.Config{
			APIKey:  cfg.Providers.OpenAIKey,
			BaseURL: cfg.Providers.OpenAIBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("openai setup failed: %w", err)
		}
		if err := manager.Register(p); err != nil {
			return nil, err
		}
	}
	if cfg.Providers.AnthropicKey != "" {
		p, err := anthropic.NewProvider(anthropic.Config{
			APIKey:  cfg.Providers.AnthropicKey,
			BaseURL: cfg.Providers.AnthropicURL,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic setup failed: %w", err)
		}
		if err := manager.Register(p); err != nil {
			return nil, err
		}
	}
	if cfg.Providers.GeminiKey != "" {
		p, err := gemini.NewProvider(gemini.Config{
			APIKey:  cfg.Providers.GeminiKey,
			BaseURL: cfg.Providers.GeminiBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini setup failed: %w", err)
		}
		if err := manager.Register(p); err != nil {
			return nil, err
		}
	}

	if _, ok := manager.Provider(cfg.Providers.Fallback); ok {
		if err := manager.SetFallback(cfg.Providers.Fallback); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

func buildCacheStore(ctx context.Context, cfg *Config) (resilience.CacheStore, error) {
	if cfg.Cache.RedisURL == "" {
		return resilience.NewMemoryStore(), nil
	}
	store, err := resilience.NewRedisStore(ctx, resilience.RedisConfig{Addr: cfg.Cache.RedisURL})
	if err != nil {
		return nil, fmt.Errorf("redis setup failed: %w", err)
	}
	return store, nil
}

func buildRuleStore(cfg *Config, log *logger.Logger) (RuleStore, error) {
	if cfg.Policy.DatabaseURL == "" {
		return NewMemoryRuleStore(), nil
	}
	store, err := NewPostgresRuleStore(cfg.Policy.DatabaseURL, 30*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("policy store setup failed: %w", err)
	}
	return store, nil
}

func buildAuditStore(cfg *Config) (AuditStore, error) {
	if cfg.Audit.DatabaseURL == "" {
		return NewMemoryAuditStore(), nil
	}
	store, err := NewPostgresAuditStore(cfg.Audit.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit store setup failed: %w", err)
	}
	return store, nil
}

func buildMesh(cfg *Config, manager *llm.Manager, log *logger.Logger) (*evaluator.Mesh, error) {
	registry := evaluator.NewRegistry()
	for _, ev := range []evaluator.Evaluator{
		evaluator.NewToxicityEvaluator(),
		evaluator.NewPIIEvaluator(),
		evaluator.NewComplianceEvaluator(),
	} {
		if err := registry.Register(ev); err != nil {
			return nil, err
		}
	}

	if cfg.Evaluate.GraderModel != "" {
		grader, err := evaluator.NewLLMEvaluator(evaluator.LLMConfig{
			Name:      "model-grader",
			Dimension: "policy_compliance",
			Rubric:    "Flag responses that reveal confidential information, give regulated advice, or contradict the provided organizational context.",
			Model:     cfg.Evaluate.GraderModel,
			Completer: manager,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(grader); err != nil {
			return nil, err
		}
	}

	return evaluator.NewMesh(registry, cfg.Evaluate.Timeout, log), nil
}
