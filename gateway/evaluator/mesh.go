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
	"fmt"
	"sync"
	"time"

	"crossaudit/platform/shared/logger"
)

// Summary aggregates the mesh's evaluator results for one call. It is
// purely descriptive; the policy engine turns it into a decision.
type Summary struct {
	// Scores holds each successful evaluator's score by name.
	Scores map[string]float64 `json:"scores"`

	// Aggregate is the arithmetic mean of successful evaluators' scores.
	// An empty successful set yields 0.
	Aggregate float64 `json:"aggregate"`

	// Violations is the union across evaluators, each retaining its
	// originating evaluator's severity.
	Violations []Violation `json:"violations"`

	// Failed maps evaluator names to their error strings. A failing
	// evaluator never aborts the others.
	Failed map[string]string `json:"failed,omitempty"`
}

// MaxSeverity returns the strongest violation severity in the summary,
// or "" when there are no violations.
func (s Summary) MaxSeverity() string {
	max := ""
	for _, v := range s.Violations {
		if SeverityRank(v.Severity) > SeverityRank(max) {
			max = v.Severity
		}
	}
	return max
}

// Mesh runs an organization's active evaluators concurrently over one
// (prompt, response) pair and aggregates their results.
type Mesh struct {
	registry *Registry
	timeout  time.Duration
	log      *logger.Logger
}

// NewMesh wires a mesh over a registry. timeout bounds each evaluator
// individually; 0 means 10 seconds.
func NewMesh(registry *Registry, timeout time.Duration, log *logger.Logger) *Mesh {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.New("evaluator-mesh")
	}
	return &Mesh{registry: registry, timeout: timeout, log: log}
}

// Evaluate runs the active evaluator set concurrently. Panics and errors
// in individual evaluators are captured per-evaluator and reported in
// Summary.Failed rather than raised.
func (m *Mesh) Evaluate(ctx context.Context, ec Context) Summary {
	evaluators := m.registry.ActiveEvaluators(ec.OrgID)

	type outcome struct {
		name   string
		result Result
		err    error
	}

	results := make([]outcome, len(evaluators))
	var wg sync.WaitGroup

	for i, ev := range evaluators {
		wg.Add(1)
		go func(i int, ev Evaluator) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = outcome{name: ev.Name(), err: fmt.Errorf("panic: %v", r)}
				}
			}()

			evalCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			res, err := ev.Evaluate(evalCtx, ec)
			results[i] = outcome{name: ev.Name(), result: res, err: err}
		}(i, ev)
	}
	wg.Wait()

	summary := Summary{Scores: make(map[string]float64), Violations: []Violation{}}

	var sum float64
	var succeeded int
	for _, out := range results {
		if out.err != nil {
			if summary.Failed == nil {
				summary.Failed = make(map[string]string)
			}
			summary.Failed[out.name] = out.err.Error()
			m.log.Warn(ec.OrgID, "", "evaluator failed", map[string]interface{}{
				"evaluator": out.name,
				"error":     out.err.Error(),
			})
			continue
		}

		score := clamp(out.result.Score)
		summary.Scores[out.name] = score
		sum += score
		succeeded++

		for _, v := range out.result.Violations {
			if v.Evaluator == "" {
				v.Evaluator = out.name
			}
			summary.Violations = append(summary.Violations, v)
		}
	}

	if succeeded > 0 {
		summary.Aggregate = sum / float64(succeeded)
	}
	return summary
}

// Health self-tests every globally registered evaluator that supports it.
func (m *Mesh) Health(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	for _, ev := range m.registry.ActiveEvaluators("") {
		if hc, ok := ev.(HealthChecker); ok {
			out[ev.Name()] = hc.HealthCheck(ctx)
		}
	}
	return out
}
