// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for rakgate.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for rakgate.
type Metrics struct {
	// Datagram metrics
	DatagramsTotal   *prometheus.CounterVec
	DatagramSize     prometheus.Histogram
	DatagramDuration *prometheus.HistogramVec
	RepliesTotal     *prometheus.CounterVec
	DroppedTotal     *prometheus.CounterVec

	// Session metrics
	ActiveSessions   *prometheus.GaugeVec
	TransitionsTotal *prometheus.CounterVec
	EffectsTotal     *prometheus.CounterVec
	ExpiredSessions  prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Rate limiter metrics
	RateLimitedDatagrams *prometheus.CounterVec

	// Reliability channel metrics
	HandlerErrors *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "rakgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_total",
				Help:      "Total number of datagrams received",
			},
			[]string{"packet"},
		),
		DatagramSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "datagram_size_bytes",
				Help:      "Received datagram size in bytes",
				Buckets:   []float64{8, 32, 64, 128, 256, 512, 1024, 1500},
			},
		),
		DatagramDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "datagram_duration_seconds",
				Help:      "Time spent dispatching one datagram",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
			[]string{"packet"},
		),
		RepliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Total number of replies sent",
			},
			[]string{"packet"},
		),
		DroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_total",
				Help:      "Total number of datagrams ignored",
			},
			[]string{"reason"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions in the registry",
			},
			[]string{"state"},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),
		EffectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "effects_total",
				Help:      "Total number of handshake effects carried out",
			},
			[]string{"effect"},
		),
		ExpiredSessions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expired_sessions_total",
				Help:      "Total number of sessions removed for inactivity",
			},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session lifetime in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),
		RateLimitedDatagrams: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_datagrams_total",
				Help:      "Total number of rate limited datagrams",
			},
			[]string{"limiter_type"},
		),
		HandlerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_errors_total",
				Help:      "Total number of reliability channel callback errors",
			},
			[]string{"callback"},
		),
	}
}

// ObserveDatagram records one dispatched datagram and the time it took.
func (m *Metrics) ObserveDatagram(packet string, size int, took time.Duration) {
	if m == nil {
		return
	}
	m.DatagramsTotal.WithLabelValues(packet).Inc()
	m.DatagramSize.Observe(float64(size))
	m.DatagramDuration.WithLabelValues(packet).Observe(took.Seconds())
}

// Reply counts a sent reply.
func (m *Metrics) Reply(packet string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(packet).Inc()
}

// Drop counts an ignored datagram.
func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

// Transition counts a state change. Self-transitions are not counted.
func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// Effect counts a handshake effect.
func (m *Metrics) Effect(effect string) {
	if m == nil {
		return
	}
	m.EffectsTotal.WithLabelValues(effect).Inc()
}

// RateLimited counts a datagram refused by the named limiter.
func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitedDatagrams.WithLabelValues(limiter).Inc()
}

// HandlerError counts a failed reliability channel callback.
func (m *Metrics) HandlerError(callback string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(callback).Inc()
}

// SessionEnded records the lifetime of a removed session.
func (m *Metrics) SessionEnded(lifetime time.Duration, expired bool) {
	if m == nil {
		return
	}
	m.SessionDuration.Observe(lifetime.Seconds())
	if expired {
		m.ExpiredSessions.Inc()
	}
}

// SetSessions replaces the per-state session gauges.
func (m *Metrics) SetSessions(counts map[string]int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Reset()
	for state, n := range counts {
		m.ActiveSessions.WithLabelValues(state).Set(float64(n))
	}
}
