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
	"strings"

	"crossaudit/platform/gateway/evaluator"
	"crossaudit/platform/gateway/llm"
	"crossaudit/platform/shared/logger"
)

// FallbackRewriteText is returned when the rewrite model itself fails.
// Serving a safe apology beats failing a call whose violations were below
// the block threshold.
const FallbackRewriteText = "I apologize, but I cannot provide that response as originally written. Please rephrase your request and I will try again."

// LLMRewriter produces a policy-compliant substitute for flagged content by
// asking a fixer model to rewrite it with the violations removed.
type LLMRewriter struct {
	completer evaluator.Completer
	model     string
	log       *logger.Logger
}

// NewLLMRewriter creates a rewriter backed by the given model.
func NewLLMRewriter(completer evaluator.Completer, model string, log *logger.Logger) (*LLMRewriter, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if model == "" {
		return nil, fmt.Errorf("rewrite model is required")
	}
	return &LLMRewriter{completer: completer, model: model, log: log}, nil
}

// Rewrite implements Rewriter. Model failures degrade to a canned safe
// response rather than propagating, so a rewrite-eligible call never turns
// into a hard failure at this stage.
func (r *LLMRewriter) Rewrite(ctx context.Context, input RewriteInput) (string, error) {
	kinds := make([]string, 0, len(input.Violations))
	for _, v := range input.Violations {
		kinds = append(kinds, v.Kind)
	}

	system := fmt.Sprintf(
		"You are a content editor. Rewrite the text below so it preserves the original intent "+
			"but removes the following policy issues: %s. Reply with the rewritten text only, no commentary.",
		strings.Join(kinds, ", "))

	resp, err := r.completer.Call(ctx, llm.CallRequest{
		Model: r.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: input.Original},
		},
		Temperature: 0.3,
		MaxTokens:   2048,
		OrgID:       input.OrgID,
		CallerID:    "rewriter",
	})
	if err != nil {
		r.log.Warn(input.OrgID, "", "rewrite model failed, serving fallback", map[string]interface{}{"error": err.Error()})
		return FallbackRewriteText, nil
	}

	rewritten := strings.TrimSpace(resp.Content())
	if rewritten == "" {
		return FallbackRewriteText, nil
	}
	return rewritten, nil
}
