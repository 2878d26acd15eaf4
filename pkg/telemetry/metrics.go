// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thv_bff"

// Metrics holds the gateway's counters. It satisfies the recorder
// interfaces of the proxy, backchannel and revocation packages.
type Metrics struct {
	registry *prometheus.Registry

	proxiedRequests           *prometheus.CounterVec
	backchannelLogouts        *prometheus.CounterVec
	revocations           prometheus.Counter
	refreshRevocationFailures prometheus.Counter
	sessionsCreated           prometheus.Counter
	sessionsRemoved           prometheus.Counter
}

// NewMetrics registers the gateway's metrics on a fresh registry. Runtime
// and process collectors are included when includeRuntime is set.
func NewMetrics(includeRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if includeRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: reg,
		proxiedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxied_requests_total",
			Help:      "Requests forwarded to backend APIs, by route and response status.",
		}, []string{"route", "status"}),
		backchannelLogouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backchannel_logouts_total",
			Help:      "Back-channel logout notifications, by outcome.",
		}, []string{"outcome"}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_revocations_total",
			Help:      "Session revocations performed.",
		}),
		refreshRevocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_token_revocation_failures_total",
			Help:      "Refresh token revocation calls that failed.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created by a successful login.",
		}),
		sessionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_removed_total",
			Help:      "Sessions removed by a user-initiated logout.",
		}),
	}
	reg.MustRegister(
		m.proxiedRequests,
		m.backchannelLogouts,
		m.revocations,
		m.refreshRevocationFailures,
		m.sessionsCreated,
		m.sessionsRemoved,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ProxiedRequest counts one proxied request.
func (m *Metrics) ProxiedRequest(route string, status int) {
	m.proxiedRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// BackchannelLogout counts one back-channel logout notification.
func (m *Metrics) BackchannelLogout(outcome string) {
	m.backchannelLogouts.WithLabelValues(outcome).Inc()
}

// RevocationCompleted counts one completed revocation. A revocation removes
// every session matching its filter, so this is not a session count.
func (m *Metrics) RevocationCompleted() {
	m.revocations.Inc()
}

// RefreshRevocationFailed counts one failed refresh token revocation.
func (m *Metrics) RefreshRevocationFailed() {
	m.refreshRevocationFailures.Inc()
}

// SessionCreated counts one login.
func (m *Metrics) SessionCreated() {
	m.sessionsCreated.Inc()
}

// SessionRemoved counts one user-initiated logout.
func (m *Metrics) SessionRemoved() {
	m.sessionsRemoved.Inc()
}
