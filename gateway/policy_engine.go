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
	"regexp"
	"strconv"
	"strings"
	"time"

	"crossaudit/platform/gateway/evaluator"
	"crossaudit/platform/shared/logger"
)

// Decision actions. Every call terminates in exactly one of these.
const (
	DecisionPass    = "PASS"
	DecisionRewrite = "REWRITE"
	DecisionBlock   = "BLOCK"
)

// Rule actions. A matching rule escalates the call at least to its action.
const (
	RuleActionBlock   = "block"
	RuleActionRewrite = "rewrite"
	RuleActionFlag    = "flag"
)

// PolicyRule is an organization-scoped (or global, when OrgID is empty)
// rule matched against evaluation results and call context.
type PolicyRule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Condition PolicyCondition `json:"condition"`
	Action    string          `json:"action"`
	Severity  string          `json:"severity"`
	Priority  int             `json:"priority"`
	Enabled   bool            `json:"enabled"`
	OrgID     string          `json:"org_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PolicyCondition defines when a rule triggers.
type PolicyCondition struct {
	Field    string      `json:"field"`    // "aggregate_score", "scores.toxicity", "violations.count", "model", ...
	Operator string      `json:"operator"` // "contains", "equals", "greater_than", ...
	Value    interface{} `json:"value"`
}

// Validate rejects rules that could never be evaluated.
func (r PolicyRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	switch r.Action {
	case RuleActionBlock, RuleActionRewrite, RuleActionFlag:
	default:
		return fmt.Errorf("unknown rule action %q", r.Action)
	}
	if evaluator.SeverityRank(r.Severity) == 0 {
		return fmt.Errorf("unknown rule severity %q", r.Severity)
	}
	if r.Condition.Field == "" || r.Condition.Operator == "" {
		return fmt.Errorf("rule condition requires field and operator")
	}
	return nil
}

// RuleStore persists policy rules. ListRules returns global rules plus the
// organization's own, ordered by descending priority.
type RuleStore interface {
	ListRules(ctx context.Context, orgID string) ([]PolicyRule, error)
	GetRule(ctx context.Context, id string) (PolicyRule, error)
	AddRule(ctx context.Context, rule PolicyRule) (PolicyRule, error)
	UpdateRule(ctx context.Context, rule PolicyRule) error
	RemoveRule(ctx context.Context, id string) error
}

// Rewriter produces a policy-compliant substitute for flagged content.
type Rewriter interface {
	Rewrite(ctx context.Context, input RewriteInput) (string, error)
}

// RewriteInput carries what the rewriter needs to produce a substitute.
type RewriteInput struct {
	OrgID      string
	Original   string
	Violations []evaluator.Violation
}

// PolicyContext is the per-call context rules can match against, alongside
// the evaluation summary.
type PolicyContext struct {
	OrgID    string
	CallerID string
	Model    string
	Response string
	Metadata map[string]string
}

// Decision is the policy engine's verdict for one call.
type Decision struct {
	Action        string                `json:"action"`
	RewrittenText string                `json:"rewritten_text,omitempty"`
	Violations    []evaluator.Violation `json:"violations"`
	MatchedRules  []string              `json:"matched_rules,omitempty"`
}

// PolicySettings are the thresholds that convert evaluation output into a
// decision when no rule forces one.
type PolicySettings struct {
	BlockSeverity   string  // violations at or above this severity block
	RewriteSeverity string  // violations at or above this severity trigger a rewrite
	BlockScore      float64 // aggregate score at or above this blocks
	RewriteScore    float64 // aggregate score at or above this triggers a rewrite
}

// DefaultPolicySettings returns the thresholds used when an organization
// has not configured its own.
func DefaultPolicySettings() PolicySettings {
	return PolicySettings{
		BlockSeverity:   evaluator.SeverityHigh,
		RewriteSeverity: evaluator.SeverityMedium,
		BlockScore:      0.8,
		RewriteScore:    0.4,
	}
}

// PolicyEngine converts evaluation summaries plus organizational rules into
// one of PASS, REWRITE, or BLOCK. Decisions are deterministic for a given
// summary, rule set, and context.
type PolicyEngine struct {
	store    RuleStore
	rewriter Rewriter
	settings PolicySettings
	log      *logger.Logger
}

// NewPolicyEngine creates a policy engine. The rewriter may be nil, in which
// case rewrite-eligible calls pass through with violations annotated.
func NewPolicyEngine(store RuleStore, rewriter Rewriter, settings PolicySettings, log *logger.Logger) *PolicyEngine {
	if settings.BlockSeverity == "" {
		settings = DefaultPolicySettings()
	}
	return &PolicyEngine{
		store:    store,
		rewriter: rewriter,
		settings: settings,
		log:      log,
	}
}

// Decide applies the organization's rules and the severity/score thresholds
// to an evaluation summary. Rules only escalate: a matching rule can raise
// the decision toward BLOCK but never lower it below what the evaluation
// itself warrants.
func (p *PolicyEngine) Decide(ctx context.Context, summary evaluator.Summary, pctx PolicyContext) (Decision, error) {
	violations := append([]evaluator.Violation(nil), summary.Violations...)

	var matched []string
	hardBlock := false
	ruleRewrite := false

	rules, err := p.store.ListRules(ctx, pctx.OrgID)
	if err != nil {
		// A broken rule store must not let content through unexamined;
		// thresholds still apply below, but record the failure.
		p.log.Error(pctx.OrgID, "", "policy rule load failed", map[string]interface{}{"error": err.Error()})
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !matchCondition(rule.Condition, summary, pctx) {
			continue
		}
		matched = append(matched, rule.Name)
		violations = append(violations, evaluator.Violation{
			Kind:      "policy." + rule.Name,
			Severity:  rule.Severity,
			Evaluator: "policy",
			Detail:    "matched rule " + rule.Name,
		})
		switch rule.Action {
		case RuleActionBlock:
			hardBlock = true
		case RuleActionRewrite:
			ruleRewrite = true
		}
	}

	maxRank := 0
	for _, v := range violations {
		if r := evaluator.SeverityRank(v.Severity); r > maxRank {
			maxRank = r
		}
	}

	if hardBlock || maxRank >= evaluator.SeverityRank(p.settings.BlockSeverity) || summary.Aggregate >= p.settings.BlockScore {
		return Decision{Action: DecisionBlock, Violations: violations, MatchedRules: matched}, nil
	}

	wantsRewrite := ruleRewrite ||
		(len(violations) > 0 && maxRank >= evaluator.SeverityRank(p.settings.RewriteSeverity)) ||
		(len(violations) > 0 && summary.Aggregate >= p.settings.RewriteScore)

	if wantsRewrite && p.rewriter != nil {
		rewritten, err := p.rewriter.Rewrite(ctx, RewriteInput{
			OrgID:      pctx.OrgID,
			Original:   pctx.Response,
			Violations: violations,
		})
		if err != nil {
			return Decision{}, fmt.Errorf("rewrite failed: %w", err)
		}
		return Decision{
			Action:        DecisionRewrite,
			RewrittenText: rewritten,
			Violations:    violations,
			MatchedRules:  matched,
		}, nil
	}

	return Decision{Action: DecisionPass, Violations: violations, MatchedRules: matched}, nil
}

// TestRule reports whether a rule would match the given evaluation and
// context. It is side-effect-free, for dry runs against historical calls.
func (p *PolicyEngine) TestRule(rule PolicyRule, summary evaluator.Summary, pctx PolicyContext) bool {
	return matchCondition(rule.Condition, summary, pctx)
}

// IsHealthy reports whether the engine can reach its rule store.
func (p *PolicyEngine) IsHealthy(ctx context.Context) bool {
	_, err := p.store.ListRules(ctx, "")
	return err == nil
}

// matchCondition checks a single condition against the evaluation summary
// and call context.
func matchCondition(cond PolicyCondition, summary evaluator.Summary, pctx PolicyContext) bool {
	fieldValue := policyFieldValue(cond.Field, summary, pctx)
	if fieldValue == nil {
		return false
	}

	switch cond.Operator {
	case "contains":
		return strings.Contains(strings.ToLower(fmt.Sprint(fieldValue)), strings.ToLower(fmt.Sprint(cond.Value)))
	case "equals":
		return fmt.Sprint(fieldValue) == fmt.Sprint(cond.Value)
	case "not_equals":
		return fmt.Sprint(fieldValue) != fmt.Sprint(cond.Value)
	case "greater_than":
		return compareNumeric(fieldValue, cond.Value, ">")
	case "less_than":
		return compareNumeric(fieldValue, cond.Value, "<")
	case "regex":
		return matchRegex(fmt.Sprint(fieldValue), fmt.Sprint(cond.Value))
	case "in":
		return valueIn(cond.Value, fieldValue)
	default:
		return false
	}
}

// policyFieldValue resolves a dotted field path to its value.
func policyFieldValue(field string, summary evaluator.Summary, pctx PolicyContext) interface{} {
	parts := strings.Split(field, ".")

	switch parts[0] {
	case "aggregate_score":
		return summary.Aggregate
	case "scores":
		if len(parts) > 1 {
			if score, ok := summary.Scores[parts[1]]; ok {
				return score
			}
		}
		return nil
	case "violations":
		if len(parts) > 1 {
			switch parts[1] {
			case "count":
				return float64(len(summary.Violations))
			case "max_severity":
				return summary.MaxSeverity()
			case "kinds":
				kinds := make([]string, 0, len(summary.Violations))
				for _, v := range summary.Violations {
					kinds = append(kinds, v.Kind)
				}
				return kinds
			}
		}
		return nil
	case "org_id":
		return pctx.OrgID
	case "caller_id":
		return pctx.CallerID
	case "model":
		return pctx.Model
	case "response":
		return pctx.Response
	case "metadata":
		if len(parts) > 1 {
			if v, ok := pctx.Metadata[parts[1]]; ok {
				return v
			}
		}
		return nil
	default:
		return nil
	}
}

func compareNumeric(a, b interface{}, op string) bool {
	av, aok := toFloat64(a)
	bv, bok := toFloat64(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case ">":
		return av > bv
	case "<":
		return av < bv
	default:
		return false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func matchRegex(value, pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// valueIn checks membership of candidate in a list condition value, or of
// a scalar condition value in a list field.
func valueIn(condValue, fieldValue interface{}) bool {
	if list, ok := asStringSlice(condValue); ok {
		target := fmt.Sprint(fieldValue)
		for _, item := range list {
			if item == target {
				return true
			}
		}
		return false
	}
	if list, ok := asStringSlice(fieldValue); ok {
		target := fmt.Sprint(condValue)
		for _, item := range list {
			if item == target {
				return true
			}
		}
	}
	return false
}

func asStringSlice(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	default:
		return nil, false
	}
}
