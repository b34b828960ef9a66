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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. One instance is
// constructed at process start and registered once.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Decisions         *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	DedupJoins        prometheus.Counter
	CircuitRejects    *prometheus.CounterVec
	EvaluatorFailures *prometheus.CounterVec
	AuditWriteErrors  prometheus.Counter
}

// NewMetrics creates and registers the gateway's collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossaudit_gateway_requests_total",
				Help: "Total number of calls processed by the gateway",
			},
			[]string{"status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crossaudit_gateway_request_duration_milliseconds",
				Help:    "End-to-end call duration in milliseconds",
				Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"provider"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossaudit_gateway_policy_decisions_total",
				Help: "Policy decisions by action",
			},
			[]string{"action"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossaudit_gateway_cache_hits_total",
			Help: "Calls served from the response cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossaudit_gateway_cache_misses_total",
			Help: "Cache lookups that went upstream",
		}),
		DedupJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossaudit_gateway_dedup_joins_total",
			Help: "Calls that joined an in-flight upstream request",
		}),
		CircuitRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossaudit_gateway_circuit_rejects_total",
				Help: "Calls rejected fast by an open circuit",
			},
			[]string{"provider"},
		),
		EvaluatorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossaudit_gateway_evaluator_failures_total",
				Help: "Evaluator runs that failed or panicked",
			},
			[]string{"evaluator"},
		),
		AuditWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossaudit_gateway_audit_write_errors_total",
			Help: "Audit appends that failed; the alert channel for a tamper-evident log that cannot keep up",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.Decisions,
		m.CacheHits,
		m.CacheMisses,
		m.DedupJoins,
		m.CircuitRejects,
		m.EvaluatorFailures,
		m.AuditWriteErrors,
	)
	return m
}
