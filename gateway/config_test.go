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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_DefaultsWithEnvOnly(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GATEWAY_JWT_SECRET", "hunter2")

	cfg, err := LoadConfig("")

	require.NoError(t, err)
	assert.Equal(t, "8090", cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Providers.Fallback)
	assert.Equal(t, 5, cfg.Retrieval.Limit)
	assert.Equal(t, 0.5, cfg.Retrieval.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "high", cfg.Policy.BlockSeverity)
	assert.Equal(t, "medium", cfg.Policy.RewriteSeverity)
	assert.Equal(t, "gpt-4o-mini", cfg.Policy.RewriteModel)
	assert.Equal(t, 10*time.Second, cfg.Evaluate.Timeout)
}

func TestLoadConfig_FileValuesApply(t *testing.T) {
	t.Setenv("GATEWAY_JWT_SECRET", "hunter2")
	path := writeConfigFile(t, `
server:
  port: "9100"
providers:
  anthropic_key: "sk-ant-test"
  fallback: anthropic
retrieval:
  url: "http://docs.internal:8085"
  limit: 3
cache:
  ttl: 30s
policy:
  block_score: 0.9
  rewrite_score: 0.3
  block_severity: critical
  rewrite_severity: low
`)

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.Providers.Fallback)
	assert.Equal(t, "http://docs.internal:8085", cfg.Retrieval.URL)
	assert.Equal(t, 3, cfg.Retrieval.Limit)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)

	settings := cfg.PolicySettings()
	assert.Equal(t, "critical", settings.BlockSeverity)
	assert.Equal(t, 0.9, settings.BlockScore)
	assert.Equal(t, 0.3, settings.RewriteScore)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv("GATEWAY_JWT_SECRET", "hunter2")
	t.Setenv("GATEWAY_PORT", "9999")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("GATEWAY_CACHE_TTL", "90s")
	t.Setenv("GATEWAY_RETRIEVAL_LIMIT", "7")
	path := writeConfigFile(t, `
server:
  port: "9100"
providers:
  openai_key: "sk-from-file"
`)

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "sk-from-env", cfg.Providers.OpenAIKey)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 7, cfg.Retrieval.Limit)
}

func TestLoadConfig_DatabaseURLCoversPolicyAndAudit(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GATEWAY_JWT_SECRET", "hunter2")
	t.Setenv("DATABASE_URL", "postgres://gateway:pw@db:5432/gateway")

	cfg, err := LoadConfig("")

	require.NoError(t, err)
	assert.Equal(t, "postgres://gateway:pw@db:5432/gateway", cfg.Policy.DatabaseURL)
	assert.Equal(t, "postgres://gateway:pw@db:5432/gateway", cfg.Audit.DatabaseURL)
}

func clearProviderEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
}

func TestLoadConfig_RequiresProviderKey(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("GATEWAY_JWT_SECRET", "hunter2")

	_, err := LoadConfig("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider API key")
}

func TestLoadConfig_RequiresJWTSecret(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GATEWAY_JWT_SECRET", "")

	_, err := LoadConfig("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret")
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
