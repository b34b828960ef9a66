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

// Package evaluator scores (prompt, response) pairs against safety and
// compliance dimensions. Evaluators are pluggable, opaque scorers behind a
// single capability interface; the mesh runs the active set concurrently
// and aggregates. Deciding PASS/REWRITE/BLOCK is the policy engine's job,
// not this package's.
package evaluator

import (
	"context"

	"crossaudit/platform/gateway/llm"
	"crossaudit/platform/gateway/retrieval"
)

// Violation severities, ordered weakest to strongest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank orders severities for comparison. Unknown severities rank
// below low.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Violation is one detected policy violation.
type Violation struct {
	// Kind names the violation ("toxicity", "pii.ssn", ...).
	Kind string `json:"kind"`

	// Severity is one of low, medium, high, critical.
	Severity string `json:"severity"`

	// Evaluator names the evaluator that raised it.
	Evaluator string `json:"evaluator,omitempty"`

	// Detail optionally explains the finding.
	Detail string `json:"detail,omitempty"`
}

// Context is the input handed to every evaluator for one call.
type Context struct {
	// Prompt is the (augmented) conversation sent upstream.
	Prompt []llm.Message

	// Response is the raw upstream response text under evaluation.
	Response string

	// OrgID scopes organization-specific evaluator configuration.
	OrgID string

	// Documents are the context documents injected into the request.
	Documents []retrieval.ContextDocument
}

// PromptText concatenates the user-visible prompt messages.
func (c Context) PromptText() string {
	var out string
	for _, m := range c.Prompt {
		if m.Role == llm.RoleUser {
			if out != "" {
				out += "\n"
			}
			out += m.Content
		}
	}
	return out
}

// Result is one evaluator's verdict: a risk score in [0,1] (0 = clean)
// plus any violations found.
type Result struct {
	Score      float64     `json:"score"`
	Violations []Violation `json:"violations"`
}

// Evaluator is the single capability every scorer implements. Evaluators
// must be safe for concurrent use; the mesh invokes them in parallel.
type Evaluator interface {
	// Name uniquely identifies the evaluator within a registry.
	Name() string

	// Evaluate scores one call. Returning an error marks this evaluator
	// as failed for the call without affecting the others.
	Evaluate(ctx context.Context, ec Context) (Result, error)
}

// HealthChecker is implemented by evaluators that can self-test cheaply.
// The gateway folds these probes into its health rollup.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// clamp bounds a score to [0,1].
func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
