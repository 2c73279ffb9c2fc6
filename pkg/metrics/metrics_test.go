// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.ObserveDatagram("open_connection_request_1", 1464, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatagramsTotal.WithLabelValues("open_connection_request_1")))

	m.Reply("open_connection_reply_1")
	m.Reply("open_connection_reply_1")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RepliesTotal.WithLabelValues("open_connection_reply_1")))

	m.Drop("unexpected_state")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedTotal.WithLabelValues("unexpected_state")))

	m.Transition("unseen", "awaiting_connection_request_2")
	m.Transition("connected", "connected")
	assert.Equal(t, 1, testutil.CollectAndCount(m.TransitionsTotal), "self transitions are not recorded")

	m.Effect("register")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EffectsTotal.WithLabelValues("register")))

	m.RateLimited("endpoint")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedDatagrams.WithLabelValues("endpoint")))

	m.HandlerError("on_connect")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("on_connect")))

	m.SessionEnded(time.Minute, true)
	m.SessionEnded(time.Second, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpiredSessions))

	m.SetSessions(map[string]int{"connected": 3, "awaiting_connection_request_2": 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("connected")))
	m.SetSessions(map[string]int{"connected": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(m.ActiveSessions), "stale states are reset")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveDatagram("unknown", 1, time.Millisecond)
		m.Reply("x")
		m.Drop("x")
		m.Transition("a", "b")
		m.Effect("x")
		m.RateLimited("x")
		m.HandlerError("x")
		m.SessionEnded(time.Second, true)
		m.SetSessions(map[string]int{"x": 1})
	})
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New("", prometheus.NewRegistry())
		New("", prometheus.NewRegistry())
	})
}
