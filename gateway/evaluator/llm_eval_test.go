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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossaudit/platform/gateway/llm"
)

type fakeCompleter struct {
	content string
	err     error
	lastReq llm.CallRequest
}

func (f *fakeCompleter) Call(_ context.Context, req llm.CallRequest) (*llm.CallResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CallResponse{
		Choices: []llm.Choice{{Message: llm.Message{Role: llm.RoleAssistant, Content: f.content}}},
	}, nil
}

func newGrader(t *testing.T, c Completer) *LLMEvaluator {
	t.Helper()
	ev, err := NewLLMEvaluator(LLMConfig{
		Name:      "brand-safety",
		Dimension: "brand_safety",
		Rubric:    "Flag content that disparages competitors by name.",
		Model:     "gpt-4o",
		Completer: c,
	})
	require.NoError(t, err)
	return ev
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewLLMEvaluator_Validation(t *testing.T) {
	c := &fakeCompleter{}

	_, err := NewLLMEvaluator(LLMConfig{Dimension: "d", Rubric: "r", Model: "m", Completer: c})
	assert.Error(t, err)

	_, err = NewLLMEvaluator(LLMConfig{Name: "n", Dimension: "d", Rubric: "r", Completer: c})
	assert.Error(t, err)

	_, err = NewLLMEvaluator(LLMConfig{Name: "n", Dimension: "d", Rubric: "r", Model: "m"})
	assert.Error(t, err)
}

// =============================================================================
// Verdict Handling Tests
// =============================================================================

func TestLLMEvaluator_ParsesVerdictWithViolation(t *testing.T) {
	c := &fakeCompleter{content: `{"score": 0.8, "violation": true, "severity": "high", "reason": "names a competitor"}`}
	ev := newGrader(t, c)

	result, err := ev.Evaluate(context.Background(), Context{
		OrgID:    "org-1",
		Response: "Acme's product is garbage compared to ours.",
	})

	require.NoError(t, err)
	assert.Equal(t, 0.8, result.Score)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "brand_safety", result.Violations[0].Kind)
	assert.Equal(t, SeverityHigh, result.Violations[0].Severity)
	assert.Equal(t, "names a competitor", result.Violations[0].Detail)
}

func TestLLMEvaluator_CleanVerdictHasNoViolations(t *testing.T) {
	c := &fakeCompleter{content: `{"score": 0.1, "violation": false, "severity": "low", "reason": "fine"}`}
	ev := newGrader(t, c)

	result, err := ev.Evaluate(context.Background(), Context{Response: "All good."})

	require.NoError(t, err)
	assert.Equal(t, 0.1, result.Score)
	assert.Empty(t, result.Violations)
}

func TestLLMEvaluator_ToleratesProseAroundJSON(t *testing.T) {
	c := &fakeCompleter{content: "Here is my verdict:\n```json\n{\"score\": 0.3, \"violation\": false}\n```"}
	ev := newGrader(t, c)

	result, err := ev.Evaluate(context.Background(), Context{Response: "text"})

	require.NoError(t, err)
	assert.Equal(t, 0.3, result.Score)
}

func TestLLMEvaluator_UnparseableVerdictIsNeutral(t *testing.T) {
	c := &fakeCompleter{content: "I cannot produce a verdict for this content."}
	ev := newGrader(t, c)

	result, err := ev.Evaluate(context.Background(), Context{Response: "text"})

	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Score)
	assert.Empty(t, result.Violations)
}

func TestLLMEvaluator_UnknownSeverityDefaultsToMedium(t *testing.T) {
	c := &fakeCompleter{content: `{"score": 0.6, "violation": true, "severity": "catastrophic"}`}
	ev := newGrader(t, c)

	result, err := ev.Evaluate(context.Background(), Context{Response: "text"})

	require.NoError(t, err)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, SeverityMedium, result.Violations[0].Severity)
}

func TestLLMEvaluator_TransportErrorPropagates(t *testing.T) {
	c := &fakeCompleter{err: errors.New("provider unavailable")}
	ev := newGrader(t, c)

	_, err := ev.Evaluate(context.Background(), Context{Response: "text"})
	assert.Error(t, err)
}

func TestLLMEvaluator_GraderRequestShape(t *testing.T) {
	c := &fakeCompleter{content: `{"score": 0.0, "violation": false}`}
	ev := newGrader(t, c)

	_, err := ev.Evaluate(context.Background(), Context{
		OrgID:    "org-1",
		Prompt:   []llm.Message{{Role: llm.RoleUser, Content: "original question"}},
		Response: "assistant answer",
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", c.lastReq.Model)
	assert.Equal(t, "evaluator:brand-safety", c.lastReq.CallerID)
	assert.Equal(t, "org-1", c.lastReq.OrgID)
	require.Len(t, c.lastReq.Messages, 2)
	assert.Contains(t, c.lastReq.Messages[1].Content, "original question")
	assert.Contains(t, c.lastReq.Messages[1].Content, "assistant answer")
}

// =============================================================================
// parseVerdict Tests
// =============================================================================

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ok      bool
		score   float64
	}{
		{"bare json", `{"score": 0.7, "violation": true}`, true, 0.7},
		{"fenced json", "```json\n{\"score\": 0.2}\n```", true, 0.2},
		{"no braces", "no verdict here", false, 0},
		{"broken json", `{"score": }`, false, 0},
		{"empty", "", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := parseVerdict(tt.content)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.score, v.Score)
			}
		})
	}
}
