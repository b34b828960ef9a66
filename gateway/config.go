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
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full configuration. It is loaded from a YAML file
// when one is given, then overridden by GATEWAY_* environment variables, so
// container deployments can run without a config file at all.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Cache     CacheConfig     `yaml:"cache"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Evaluate  EvaluateConfig  `yaml:"evaluate"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port          string `yaml:"port"`
	JWTSecret     string `yaml:"jwt_secret"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// ProvidersConfig carries upstream vendor credentials and routing defaults.
type ProvidersConfig struct {
	OpenAIKey     string `yaml:"openai_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	AnthropicKey  string `yaml:"anthropic_key"`
	AnthropicURL  string `yaml:"anthropic_base_url"`
	GeminiKey     string `yaml:"gemini_key"`
	GeminiBaseURL string `yaml:"gemini_base_url"`
	Fallback      string `yaml:"fallback"`
}

// RetrievalConfig points at the document search service.
type RetrievalConfig struct {
	URL       string  `yaml:"url"`
	Limit     int     `yaml:"limit"`
	Threshold float64 `yaml:"threshold"`
}

// CacheConfig selects the response cache backend. An empty RedisURL means
// the in-memory store.
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// PolicyConfig carries decision thresholds and the rewrite model.
type PolicyConfig struct {
	DatabaseURL     string  `yaml:"database_url"`
	BlockSeverity   string  `yaml:"block_severity"`
	RewriteSeverity string  `yaml:"rewrite_severity"`
	BlockScore      float64 `yaml:"block_score"`
	RewriteScore    float64 `yaml:"rewrite_score"`
	RewriteModel    string  `yaml:"rewrite_model"`
}

// AuditConfig selects the audit store backend. An empty DatabaseURL means
// the in-memory store.
type AuditConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// EvaluateConfig controls the evaluator mesh.
type EvaluateConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	GraderModel string        `yaml:"grader_model"`
}

// LoadConfig reads configuration from an optional YAML file, applies
// defaults, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8090"
	}
	if c.Server.MaxConcurrent <= 0 {
		c.Server.MaxConcurrent = 256
	}
	if c.Providers.Fallback == "" {
		c.Providers.Fallback = "openai"
	}
	if c.Retrieval.Limit <= 0 {
		c.Retrieval.Limit = 5
	}
	if c.Retrieval.Threshold <= 0 {
		c.Retrieval.Threshold = 0.5
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Policy.BlockSeverity == "" {
		defaults := DefaultPolicySettings()
		c.Policy.BlockSeverity = defaults.BlockSeverity
		c.Policy.RewriteSeverity = defaults.RewriteSeverity
		c.Policy.BlockScore = defaults.BlockScore
		c.Policy.RewriteScore = defaults.RewriteScore
	}
	if c.Policy.RewriteModel == "" {
		c.Policy.RewriteModel = "gpt-4o-mini"
	}
	if c.Evaluate.Timeout <= 0 {
		c.Evaluate.Timeout = 10 * time.Second
	}
}

func (c *Config) applyEnvOverrides() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Server.Port, "GATEWAY_PORT")
	setString(&c.Server.JWTSecret, "GATEWAY_JWT_SECRET")
	setString(&c.Providers.OpenAIKey, "OPENAI_API_KEY")
	setString(&c.Providers.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&c.Providers.AnthropicKey, "ANTHROPIC_API_KEY")
	setString(&c.Providers.AnthropicURL, "ANTHROPIC_BASE_URL")
	setString(&c.Providers.GeminiKey, "GEMINI_API_KEY")
	setString(&c.Providers.GeminiBaseURL, "GEMINI_BASE_URL")
	setString(&c.Providers.Fallback, "GATEWAY_FALLBACK_PROVIDER")
	setString(&c.Retrieval.URL, "GATEWAY_RETRIEVAL_URL")
	setString(&c.Cache.RedisURL, "GATEWAY_REDIS_URL")
	setString(&c.Policy.DatabaseURL, "DATABASE_URL")
	setString(&c.Audit.DatabaseURL, "DATABASE_URL")
	setString(&c.Policy.RewriteModel, "GATEWAY_REWRITE_MODEL")
	setString(&c.Evaluate.GraderModel, "GATEWAY_GRADER_MODEL")

	if v := os.Getenv("GATEWAY_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.TTL = d
		}
	}
	if v := os.Getenv("GATEWAY_RETRIEVAL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retrieval.Limit = n
		}
	}
	if v := os.Getenv("GATEWAY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.MaxConcurrent = n
		}
	}
}

func (c *Config) validate() error {
	if c.Providers.OpenAIKey == "" && c.Providers.AnthropicKey == "" && c.Providers.GeminiKey == "" {
		return fmt.Errorf("at least one provider API key must be configured")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be configured")
	}
	return nil
}

// PolicySettings converts the configured thresholds into engine settings.
func (c *Config) PolicySettings() PolicySettings {
	return PolicySettings{
		BlockSeverity:   c.Policy.BlockSeverity,
		RewriteSeverity: c.Policy.RewriteSeverity,
		BlockScore:      c.Policy.BlockScore,
		RewriteScore:    c.Policy.RewriteScore,
	}
}
