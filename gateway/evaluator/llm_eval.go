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

package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"crossaudit/platform/gateway/llm"
)

// Completer is the slice of the provider manager an LLMEvaluator needs.
type Completer interface {
	Call(ctx context.Context, req llm.CallRequest) (*llm.CallResponse, error)
}

// LLMEvaluator grades a response against a natural-language rubric using
// an upstream model. The grader is asked for strict JSON; responses that
// fail to parse fall back to a neutral score with no violations rather
// than failing the evaluation.
type LLMEvaluator struct {
	name      string
	dimension string
	rubric    string
	model     string
	completer Completer
}

// LLMConfig configures an LLM-backed evaluator.
type LLMConfig struct {
	Name      string    // Required: unique evaluator name
	Dimension string    // Required: violation kind raised on findings
	Rubric    string    // Required: grading instructions
	Model     string    // Required: grader model id
	Completer Completer // Required: provider manager (or equivalent)
}

// NewLLMEvaluator creates an LLM-backed evaluator.
func NewLLMEvaluator(cfg LLMConfig) (*LLMEvaluator, error) {
	if cfg.Name == "" || cfg.Dimension == "" || cfg.Rubric == "" {
		return nil, fmt.Errorf("name, dimension, and rubric are required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("grader model is required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	return &LLMEvaluator{
		name:      cfg.Name,
		dimension: cfg.Dimension,
		rubric:    cfg.Rubric,
		model:     cfg.Model,
		completer: cfg.Completer,
	}, nil
}

// Name implements Evaluator.
func (e *LLMEvaluator) Name() string { return e.name }

type graderVerdict struct {
	Score     float64 `json:"score"`
	Severity  string  `json:"severity"`
	Violation bool    `json:"violation"`
	Reason    string  `json:"reason"`
}

// Evaluate asks the grader model for a verdict. Transport errors propagate
// (the mesh records them as a failed evaluator); malformed grader output
// degrades to a neutral score.
func (e *LLMEvaluator) Evaluate(ctx context.Context, ec Context) (Result, error) {
	system := fmt.Sprintf(
		"You are a content evaluator. Grade the assistant response below against this rubric:\n%s\n"+
			"Reply with strict JSON only: {\"score\": <0.0-1.0 risk>, \"violation\": <bool>, "+
			"\"severity\": \"low|medium|high|critical\", \"reason\": \"...\"}", e.rubric)

	user := fmt.Sprintf("PROMPT:\n%s\n\nRESPONSE:\n%s", ec.PromptText(), ec.Response)

	resp, err := e.completer.Call(ctx, llm.CallRequest{
		Model: e.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		Temperature: 0,
		MaxTokens:   300,
		OrgID:       ec.OrgID,
		CallerID:    "evaluator:" + e.name,
	})
	if err != nil {
		return Result{}, fmt.Errorf("grader call failed: %w", err)
	}

	verdict, ok := parseVerdict(resp.Content())
	if !ok {
		// Unparseable grader output is treated as inconclusive, not fatal.
		return Result{Score: 0.5, Violations: nil}, nil
	}

	result := Result{Score: clamp(verdict.Score)}
	if verdict.Violation {
		severity := verdict.Severity
		if SeverityRank(severity) == 0 {
			severity = SeverityMedium
		}
		result.Violations = []Violation{{
			Kind:     e.dimension,
			Severity: severity,
			Detail:   verdict.Reason,
		}}
	}
	return result, nil
}

// parseVerdict extracts the grader's JSON verdict, tolerating surrounding
// prose and markdown fences.
func parseVerdict(content string) (graderVerdict, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return graderVerdict{}, false
	}

	var v graderVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return graderVerdict{}, false
	}
	return v, true
}

// HealthCheck verifies the evaluator is wired to a completer. No upstream
// probe is made; provider reachability is the manager's concern.
func (e *LLMEvaluator) HealthCheck(context.Context) bool {
	return e.completer != nil
}
