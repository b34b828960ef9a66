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

// Package main is the entry point for the CrossAudit Gateway service.
//
// The Gateway is a governance proxy for LLM traffic that:
// - Routes chat completions to LLM providers (OpenAI, Anthropic, Gemini)
// - Enriches prompts with retrieved organizational context
// - Scores every response through an evaluator mesh
// - Applies policy rules to pass, rewrite, or block responses
// - Records a hash-chained audit trail per organization
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	GATEWAY_PORT - HTTP server port (default: 8090)
//	GATEWAY_JWT_SECRET - HMAC secret for caller tokens (required)
//	GATEWAY_CONFIG - optional path to a YAML config file
//	DATABASE_URL - PostgreSQL connection string (optional)
//	GATEWAY_REDIS_URL - Redis address for the response cache (optional)
//	GATEWAY_RETRIEVAL_URL - document service base URL (optional)
//	GATEWAY_MAX_CONCURRENT - in-flight chat call bound (default: 256)
//	OPENAI_API_KEY - OpenAI API key (optional)
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	GEMINI_API_KEY - Google AI API key (optional)
package main

import (
	"fmt"
	"os"

	"crossaudit/platform/gateway"
)

func main() {
	if err := gateway.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}
