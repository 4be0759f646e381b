// Copyright (c) 2026 John Earle
//
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

// Package metrics exposes Prometheus instrumentation for the policy
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts policy decisions by verb and deciding gate.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_decisions_total",
			Help: "Total number of policy decisions",
		},
		[]string{"action", "gate"},
	)

	// DecisionDuration observes pipeline latency per decision.
	DecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policyd_decision_duration_seconds",
			Help:    "Policy decision latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OpenConnections gauges in-flight MTA connections.
	OpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyd_open_connections",
			Help: "Number of open policy connections",
		},
	)

	// MalformedRequests counts requests the codec refused.
	MalformedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_malformed_requests_total",
			Help: "Total number of malformed policy requests",
		},
	)
)
