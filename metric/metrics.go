/*
 * Copyright 2024 The Verifiable RDS AVS Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metric exposes the proxy's Prometheus collectors.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProxyMetrics bundles the session-facing collectors.
type ProxyMetrics struct {
	sessionsActive  prometheus.Gauge
	statementsTotal *prometheus.CounterVec
	rewrittenTotal  prometheus.Counter
	unsafeTotal     *prometheus.CounterVec
	divergedTotal   prometheus.Counter
	securityTotal   *prometheus.CounterVec
}

// NewProxyMetrics builds and registers the proxy collectors. Registration
// conflicts are ignored so repeated construction in tests stays harmless.
func NewProxyMetrics() *ProxyMetrics {
	m := &ProxyMetrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vrds",
			Subsystem: "proxy",
			Name:      "sessions_active",
			Help:      "Currently connected client sessions.",
		}),
		statementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vrds",
			Subsystem: "proxy",
			Name:      "statements_total",
			Help:      "Statements analyzed, by kind.",
		}, []string{"kind"}),
		rewrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vrds",
			Subsystem: "proxy",
			Name:      "statements_rewritten_total",
			Help:      "Statements with at least one substituted call site.",
		}),
		unsafeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vrds",
			Subsystem: "proxy",
			Name:      "statements_unsafe_total",
			Help:      "Statements rejected as unverifiable, by reason.",
		}, []string{"reason"}),
		divergedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vrds",
			Subsystem: "proxy",
			Name:      "transactions_diverged_total",
			Help:      "Transactions flagged by a model/backend status mismatch.",
		}),
		securityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vrds",
			Subsystem: "proxy",
			Name:      "security_rejections_total",
			Help:      "Connections and statements refused by the security gateway.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{
		m.sessionsActive, m.statementsTotal, m.rewrittenTotal, m.unsafeTotal,
		m.divergedTotal, m.securityTotal,
	} {
		_ = prometheus.Register(c)
	}
	return m
}

// SessionOpened counts a new session.
func (m *ProxyMetrics) SessionOpened() {
	m.sessionsActive.Inc()
}

// SessionClosed counts a finished session.
func (m *ProxyMetrics) SessionClosed() {
	m.sessionsActive.Dec()
}

// Statement counts one analyzed statement.
func (m *ProxyMetrics) Statement(kind string) {
	m.statementsTotal.WithLabelValues(kind).Inc()
}

// Rewritten counts a statement with at least one substituted call site.
func (m *ProxyMetrics) Rewritten() {
	m.rewrittenTotal.Inc()
}

// UnsafeRejected counts an analyzer rejection.
func (m *ProxyMetrics) UnsafeRejected(reason string) {
	m.unsafeTotal.WithLabelValues(reason).Inc()
}

// Diverged counts an invariant violation.
func (m *ProxyMetrics) Diverged() {
	m.divergedTotal.Inc()
}

// SecurityRejected counts a gateway refusal.
func (m *ProxyMetrics) SecurityRejected(kind string) {
	m.securityTotal.WithLabelValues(kind).Inc()
}
