// Copyright 2025 Kadir Pekel
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

// Package observability wires Prometheus metrics and OpenTelemetry tracing
// into the breaker, session, and backend packages. Every method is nil-safe
// so a *Metrics/*Tracer obtained from a disabled config can be passed around
// and called unconditionally by callers that don't want an `if m != nil`
// at every call site.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults fills in the namespace used to prefix every metric name.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "massgen_mcp"
	}
}

// Metrics collects counters and histograms across the breaker, session, and
// backend packages. A nil *Metrics is valid and every method on it is a
// no-op, so disabled metrics cost nothing beyond the nil check.
type Metrics struct {
	registry *prometheus.Registry

	breakerFailures    *prometheus.CounterVec
	breakerOpenCircuit *prometheus.GaugeVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolCallRetries  *prometheus.CounterVec

	loopIterations *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance, or returns nil if cfg disables
// collection.
func NewMetrics(cfg *MetricsConfig) *Metrics {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.breakerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Total number of recorded connection/call failures per server",
	}, []string{"server"})

	m.breakerOpenCircuit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "breaker",
		Name:      "circuit_open",
		Help:      "1 if the breaker is currently withholding connection attempts to a server",
	}, []string{"server"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "session",
		Name:      "tool_calls_total",
		Help:      "Total number of call_tool dispatches",
	}, []string{"server", "tool", "status"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: "session",
		Name:      "tool_call_duration_seconds",
		Help:      "call_tool round-trip duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	}, []string{"server", "tool"})

	m.toolCallRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "backend",
		Name:      "tool_call_retries_total",
		Help:      "Total number of retry attempts the streaming loop issued for a tool call",
	}, []string{"tool"})

	m.loopIterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "backend",
		Name:      "loop_iterations_total",
		Help:      "Total number of ask-model iterations the streaming loop has run",
	}, []string{})

	m.registry.MustRegister(m.breakerFailures, m.breakerOpenCircuit, m.toolCalls, m.toolCallDuration, m.toolCallRetries, m.loopIterations)
	return m
}

// RecordBreakerFailure records a connection/call failure for server.
func (m *Metrics) RecordBreakerFailure(server string) {
	if m == nil {
		return
	}
	m.breakerFailures.WithLabelValues(server).Inc()
}

// SetBreakerCircuitOpen records whether server's circuit is currently open.
func (m *Metrics) SetBreakerCircuitOpen(server string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpenCircuit.WithLabelValues(server).Set(v)
}

// RecordToolCall records one call_tool dispatch.
func (m *Metrics) RecordToolCall(server, tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, tool, status).Inc()
	m.toolCallDuration.WithLabelValues(server, tool).Observe(duration.Seconds())
}

// RecordToolCallRetry records one retry attempt for tool.
func (m *Metrics) RecordToolCallRetry(tool string) {
	if m == nil {
		return
	}
	m.toolCallRetries.WithLabelValues(tool).Inc()
}

// RecordLoopIteration records one streaming-loop iteration.
func (m *Metrics) RecordLoopIteration() {
	if m == nil {
		return
	}
	m.loopIterations.WithLabelValues().Inc()
}

// Handler returns an HTTP handler serving the metrics in Prometheus
// exposition format, or a 503 responder if metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
