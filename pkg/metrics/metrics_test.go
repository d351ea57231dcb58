// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	err := m.ObserveSession("websocket", func() error {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("websocket")))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("websocket")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("websocket")))

	m.ProxyOpened("tcp")
	m.ProxyOpened("tcp")
	m.ProxyClosed("tcp")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveProxies.WithLabelValues("tcp")))

	m.SocketOpened()
	m.SocketClosed()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BackendSockets))

	m.ConnectionError("discovery")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionErrors.WithLabelValues("discovery")))

	m.ObserveMessage("downstream", 10)
	m.ObserveMessage("downstream", 5)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesRelayed.WithLabelValues("downstream")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.BytesRelayed.WithLabelValues("downstream")))

	m.ObserveBytes("upstream", 7)
	m.ObserveBytes("upstream", 0)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesRelayed.WithLabelValues("upstream")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesRelayed.WithLabelValues("upstream")))

	m.ObserveDiscovery(time.Now(), errors.New("timeout"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DiscoveryDuration))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	called := false
	assert.NoError(t, m.ObserveSession("tcp", func() error { called = true; return nil }))
	assert.True(t, called)

	m.ProxyOpened("tcp")
	m.ProxyClosed("tcp")
	m.SocketOpened()
	m.SocketClosed()
	m.ConnectionError("connect")
	m.ObserveMessage("upstream", 1)
	m.ObserveBytes("upstream", 1)
	m.ObserveDiscovery(time.Now(), nil)
}
