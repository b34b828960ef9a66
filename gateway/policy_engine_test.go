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
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossaudit/platform/gateway/evaluator"
	"crossaudit/platform/shared/logger"
)

type stubRewriter struct {
	text  string
	calls int
}

func (r *stubRewriter) Rewrite(_ context.Context, _ RewriteInput) (string, error) {
	r.calls++
	return r.text, nil
}

func testLog() *logger.Logger {
	return logger.NewWithWriter("test", &bytes.Buffer{})
}

func newTestEngine(t *testing.T, rewriter Rewriter, rules ...PolicyRule) *PolicyEngine {
	t.Helper()
	store := NewMemoryRuleStore()
	for _, rule := range rules {
		_, err := store.AddRule(context.Background(), rule)
		require.NoError(t, err)
	}
	return NewPolicyEngine(store, rewriter, DefaultPolicySettings(), testLog())
}

// =============================================================================
// Threshold Decision Tests
// =============================================================================

func TestDecide_CleanEvaluationPasses(t *testing.T) {
	engine := newTestEngine(t, &stubRewriter{text: "rewritten"})

	decision, err := engine.Decide(context.Background(), evaluator.Summary{
		Aggregate: 0.05,
		Scores:    map[string]float64{"toxicity": 0.05},
	}, PolicyContext{OrgID: "org-1", Response: "A professional email about Q4 results."})

	require.NoError(t, err)
	assert.Equal(t, DecisionPass, decision.Action)
	assert.Empty(t, decision.Violations)
	assert.Empty(t, decision.RewrittenText)
}

func TestDecide_MediumViolationRewrites(t *testing.T) {
	rw := &stubRewriter{text: "a softened reply"}
	engine := newTestEngine(t, rw)

	decision, err := engine.Decide(context.Background(), evaluator.Summary{
		Aggregate: 0.5,
		Violations: []evaluator.Violation{
			{Kind: "toxicity", Severity: evaluator.SeverityMedium},
		},
	}, PolicyContext{OrgID: "org-1", Response: "original text"})

	require.NoError(t, err)
	assert.Equal(t, DecisionRewrite, decision.Action)
	assert.Equal(t, "a softened reply", decision.RewrittenText)
	assert.Equal(t, 1, rw.calls)
}

func TestDecide_HighSeverityBlocks(t *testing.T) {
	engine := newTestEngine(t, &stubRewriter{text: "rewritten"})

	decision, err := engine.Decide(context.Background(), evaluator.Summary{
		Aggregate: 0.3,
		Violations: []evaluator.Violation{
			{Kind: "pii.ssn", Severity: evaluator.SeverityCritical},
		},
	}, PolicyContext{OrgID: "org-1"})

	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, decision.Action)
	assert.Empty(t, decision.RewrittenText)
}

func TestDecide_HighAggregateScoreBlocksWithoutViolations(t *testing.T) {
	engine := newTestEngine(t, nil)

	decision, err := engine.Decide(context.Background(), evaluator.Summary{
		Aggregate: 0.9,
	}, PolicyContext{OrgID: "org-1"})

	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, decision.Action)
}

func TestDecide_NoRewriterPassesWithViolationsAnnotated(t *testing.T) {
	engine := newTestEngine(t, nil)

	decision, err := engine.Decide(context.Background(), evaluator.Summary{
		Aggregate: 0.5,
		Violations: []evaluator.Violation{
			{Kind: "toxicity", Severity: evaluator.SeverityMedium},
		},
	}, PolicyContext{OrgID: "org-1"})

	require.NoError(t, err)
	assert.Equal(t, DecisionPass, decision.Action)
	assert.Len(t, decision.Violations, 1)
}

// =============================================================================
// Rule Escalation Tests
// =============================================================================

func TestDecide_HardBlockRuleOverridesCleanEvaluation(t *testing.T) {
	engine := newTestEngine(t, nil, PolicyRule{
		Name:     "no-finance-models",
		Action:   RuleActionBlock,
		Severity: evaluator.SeverityHigh,
		Enabled:  true,
		Condition: PolicyCondition{
			Field:    "model",
			Operator: "contains",
			Value:    "gpt-4o",
		},
	})

	decision, err := engine.Decide(context.Background(), evaluator.Summary{Aggregate: 0.0},
		PolicyContext{OrgID: "org-1", Model: "gpt-4o"})

	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, decision.Action)
	assert.Contains(t, decision.MatchedRules, "no-finance-models")
}

func TestDecide_RewriteRuleEscalatesCleanEvaluation(t *testing.T) {
	rw := &stubRewriter{text: "scrubbed"}
	engine := newTestEngine(t, rw, PolicyRule{
		Name:     "scrub-codenames",
		Action:   RuleActionRewrite,
		Severity: evaluator.SeverityLow,
		Enabled:  true,
		Condition: PolicyCondition{
			Field:    "response",
			Operator: "contains",
			Value:    "project nimbus",
		},
	})

	decision, err := engine.Decide(context.Background(), evaluator.Summary{Aggregate: 0.0},
		PolicyContext{OrgID: "org-1", Response: "Project Nimbus ships next week."})

	require.NoError(t, err)
	assert.Equal(t, DecisionRewrite, decision.Action)
	assert.Equal(t, "scrubbed", decision.RewrittenText)
}

func TestDecide_DisabledRuleIsIgnored(t *testing.T) {
	engine := newTestEngine(t, nil, PolicyRule{
		Name:      "dormant",
		Action:    RuleActionBlock,
		Severity:  evaluator.SeverityHigh,
		Enabled:   false,
		Condition: PolicyCondition{Field: "model", Operator: "contains", Value: "gpt"},
	})

	decision, err := engine.Decide(context.Background(), evaluator.Summary{},
		PolicyContext{OrgID: "org-1", Model: "gpt-4o"})

	require.NoError(t, err)
	assert.Equal(t, DecisionPass, decision.Action)
}

func TestDecide_OtherOrgRuleDoesNotApply(t *testing.T) {
	engine := newTestEngine(t, nil, PolicyRule{
		Name:      "org2-only",
		Action:    RuleActionBlock,
		Severity:  evaluator.SeverityHigh,
		Enabled:   true,
		OrgID:     "org-2",
		Condition: PolicyCondition{Field: "model", Operator: "contains", Value: "gpt"},
	})

	decision, err := engine.Decide(context.Background(), evaluator.Summary{},
		PolicyContext{OrgID: "org-1", Model: "gpt-4o"})

	require.NoError(t, err)
	assert.Equal(t, DecisionPass, decision.Action)
}

// =============================================================================
// Monotonicity Tests
// =============================================================================

func TestDecide_RaisingSeverityNeverUnblocks(t *testing.T) {
	engine := newTestEngine(t, &stubRewriter{text: "rewritten"})
	severities := []string{
		evaluator.SeverityLow,
		evaluator.SeverityMedium,
		evaluator.SeverityHigh,
		evaluator.SeverityCritical,
	}

	blocked := false
	for _, sev := range severities {
		decision, err := engine.Decide(context.Background(), evaluator.Summary{
			Aggregate:  0.5,
			Violations: []evaluator.Violation{{Kind: "toxicity", Severity: sev}},
		}, PolicyContext{OrgID: "org-1", Response: "text"})
		require.NoError(t, err)

		if blocked {
			assert.Equal(t, DecisionBlock, decision.Action,
				"severity %s must not relax an earlier block", sev)
		}
		if decision.Action == DecisionBlock {
			blocked = true
		}
	}
	assert.True(t, blocked, "critical severity must block")
}

// =============================================================================
// Condition Matching Tests
// =============================================================================

func TestMatchCondition_Operators(t *testing.T) {
	summary := evaluator.Summary{
		Aggregate: 0.6,
		Scores:    map[string]float64{"toxicity": 0.7},
		Violations: []evaluator.Violation{
			{Kind: "pii.email", Severity: evaluator.SeverityMedium},
		},
	}
	pctx := PolicyContext{
		OrgID:    "org-1",
		CallerID: "svc-reports",
		Model:    "claude-sonnet-4",
		Response: "Contact jane@example.com",
		Metadata: map[string]string{"channel": "email"},
	}

	tests := []struct {
		name string
		cond PolicyCondition
		want bool
	}{
		{"aggregate greater_than", PolicyCondition{Field: "aggregate_score", Operator: "greater_than", Value: 0.5}, true},
		{"aggregate less_than false", PolicyCondition{Field: "aggregate_score", Operator: "less_than", Value: 0.5}, false},
		{"named score greater_than", PolicyCondition{Field: "scores.toxicity", Operator: "greater_than", Value: 0.6}, true},
		{"missing score no match", PolicyCondition{Field: "scores.unknown", Operator: "greater_than", Value: 0.0}, false},
		{"violation count", PolicyCondition{Field: "violations.count", Operator: "greater_than", Value: 0}, true},
		{"max severity equals", PolicyCondition{Field: "violations.max_severity", Operator: "equals", Value: "medium"}, true},
		{"kind membership", PolicyCondition{Field: "violations.kinds", Operator: "in", Value: "pii.email"}, true},
		{"model contains", PolicyCondition{Field: "model", Operator: "contains", Value: "claude"}, true},
		{"caller not_equals", PolicyCondition{Field: "caller_id", Operator: "not_equals", Value: "svc-chat"}, true},
		{"response regex", PolicyCondition{Field: "response", Operator: "regex", Value: `\b\S+@\S+\.\w+`}, true},
		{"metadata equals", PolicyCondition{Field: "metadata.channel", Operator: "equals", Value: "email"}, true},
		{"org in list", PolicyCondition{Field: "org_id", Operator: "in", Value: []string{"org-1", "org-9"}}, true},
		{"unknown field", PolicyCondition{Field: "nonsense", Operator: "equals", Value: "x"}, false},
		{"unknown operator", PolicyCondition{Field: "model", Operator: "approximately", Value: "claude"}, false},
		{"bad regex no match", PolicyCondition{Field: "response", Operator: "regex", Value: "("}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchCondition(tt.cond, summary, pctx))
		})
	}
}

func TestTestRule_IsSideEffectFree(t *testing.T) {
	engine := newTestEngine(t, nil)
	rule := PolicyRule{
		Name:      "dry-run",
		Action:    RuleActionBlock,
		Severity:  evaluator.SeverityHigh,
		Condition: PolicyCondition{Field: "aggregate_score", Operator: "greater_than", Value: 0.5},
	}

	summary := evaluator.Summary{Aggregate: 0.6}
	assert.True(t, engine.TestRule(rule, summary, PolicyContext{OrgID: "org-1"}))
	assert.False(t, engine.TestRule(rule, evaluator.Summary{Aggregate: 0.4}, PolicyContext{OrgID: "org-1"}))

	// The dry run must not register the rule.
	decision, err := engine.Decide(context.Background(), summary, PolicyContext{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, decision.MatchedRules)
}

// =============================================================================
// Rule Validation and Memory Store Tests
// =============================================================================

func TestPolicyRule_Validate(t *testing.T) {
	valid := PolicyRule{
		Name:      "r",
		Action:    RuleActionBlock,
		Severity:  evaluator.SeverityHigh,
		Condition: PolicyCondition{Field: "model", Operator: "equals", Value: "gpt-4o"},
	}
	assert.NoError(t, valid.Validate())

	missingName := valid
	missingName.Name = ""
	assert.Error(t, missingName.Validate())

	badAction := valid
	badAction.Action = "escalate"
	assert.Error(t, badAction.Validate())

	badSeverity := valid
	badSeverity.Severity = "extreme"
	assert.Error(t, badSeverity.Validate())

	emptyCondition := valid
	emptyCondition.Condition = PolicyCondition{}
	assert.Error(t, emptyCondition.Validate())
}

func TestMemoryRuleStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRuleStore()

	rule, err := store.AddRule(ctx, PolicyRule{
		Name:      "first",
		Action:    RuleActionFlag,
		Severity:  evaluator.SeverityLow,
		Enabled:   true,
		OrgID:     "org-1",
		Condition: PolicyCondition{Field: "model", Operator: "contains", Value: "gpt"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)

	got, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)

	rule.Name = "renamed"
	require.NoError(t, store.UpdateRule(ctx, rule))
	got, err = store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, store.RemoveRule(ctx, rule.ID))
	_, err = store.GetRule(ctx, rule.ID)
	assert.Error(t, err)
	assert.Error(t, store.RemoveRule(ctx, rule.ID))
}

func TestMemoryRuleStore_ListScopesAndSorts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRuleStore()

	mk := func(name, orgID string, priority int) {
		_, err := store.AddRule(ctx, PolicyRule{
			Name:      name,
			Action:    RuleActionFlag,
			Severity:  evaluator.SeverityLow,
			Enabled:   true,
			OrgID:     orgID,
			Priority:  priority,
			Condition: PolicyCondition{Field: "model", Operator: "contains", Value: "x"},
		})
		require.NoError(t, err)
	}
	mk("global-low", "", 1)
	mk("org1-high", "org-1", 10)
	mk("org2-rule", "org-2", 5)

	rules, err := store.ListRules(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "org1-high", rules[0].Name)
	assert.Equal(t, "global-low", rules[1].Name)
}
