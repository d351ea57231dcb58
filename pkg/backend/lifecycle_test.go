// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePorts reports a fixed port, or times out when the port is zero.
type fakePorts struct {
	mu       sync.Mutex
	port     int
	requests int32
	delay    time.Duration
}

func (f *fakePorts) setPort(p int) {
	f.mu.Lock()
	f.port = p
	f.mu.Unlock()
}

func (f *fakePorts) RequestDebugPort(ctx context.Context, deviceID, appID string) error {
	atomic.AddInt32(&f.requests, 1)
	return nil
}

func (f *fakePorts) AwaitReportedPort(ctx context.Context, deviceID, appID string, timeout time.Duration) (int, error) {
	f.mu.Lock()
	port, delay := f.port, f.delay
	f.mu.Unlock()

	if port == 0 {
		select {
		case <-time.After(timeout):
			return 0, fmt.Errorf("%w: %s-%s", bridgeerrors.ErrPortDiscoveryTimeout, deviceID, appID)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	time.Sleep(delay)
	return port, nil
}

// mockInspector accepts connections and keeps them until told to drop them.
type mockInspector struct {
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func newMockInspector(t *testing.T) *mockInspector {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	m := &mockInspector{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			m.mu.Lock()
			m.conns = append(m.conns, c)
			m.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		m.dropAll()
	})
	return m
}

func (m *mockInspector) dropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.Close()
	}
	m.conns = nil
}

func (m *mockInspector) accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// fakeTransport dials the mock inspector whatever the device port, and
// records the ports it was asked for.
type fakeTransport struct {
	addr string
	err  error
	hang bool

	mu    sync.Mutex
	ports []int
}

func (f *fakeTransport) OpenSocket(ctx context.Context, deviceID string, port int) (net.Conn, error) {
	f.mu.Lock()
	f.ports = append(f.ports, port)
	f.mu.Unlock()

	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", f.addr)
}

func (f *fakeTransport) opened() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ports...)
}

var _ device.Transport = (*fakeTransport)(nil)

func newTestLifecycle(ports device.PortReporter, tr device.Transport) *Lifecycle {
	return NewLifecycle(Config{
		DeviceID:         "dev1",
		Ports:            ports,
		Transport:        tr,
		Locker:           session.NewLocker(2 * time.Second),
		DiscoveryTimeout: 50 * time.Millisecond,
		ConnectTimeout:   200 * time.Millisecond,
	})
}

func TestLifecycle_ConcurrentAcquireSharesSocket(t *testing.T) {
	t.Parallel()

	inspector := newMockInspector(t)
	ports := &fakePorts{port: 18183, delay: 20 * time.Millisecond}
	tr := &fakeTransport{addr: inspector.ln.Addr().String()}
	l := newTestLifecycle(ports, tr)

	const n = 8
	sockets := make([]*Socket, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := l.Acquire(context.Background(), "org.app")
			assert.NoError(t, err)
			sockets[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sockets {
		assert.Same(t, sockets[0], s)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ports.requests))
	assert.Equal(t, []int{18183}, tr.opened())
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 18183, sockets[0].Port())
	assert.Equal(t, session.Key{DeviceID: "dev1", AppID: "org.app"}, sockets[0].Key())
}

func TestLifecycle_DiscoveryTimeoutThenSuccess(t *testing.T) {
	t.Parallel()

	inspector := newMockInspector(t)
	ports := &fakePorts{}
	tr := &fakeTransport{addr: inspector.ln.Addr().String()}
	l := newTestLifecycle(ports, tr)

	start := time.Now()
	_, err := l.Acquire(context.Background(), "org.app")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, bridgeerrors.ErrPortDiscoveryTimeout)
	var se *bridgeerrors.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "dev1", se.DeviceID)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Nil(t, l.Cached("org.app"))

	ports.setPort(9000)
	s, err := l.Acquire(context.Background(), "org.app")
	require.NoError(t, err)
	assert.Equal(t, 9000, s.Port())
	assert.Equal(t, []int{9000}, tr.opened())
}

func TestLifecycle_BackendCloseEvicts(t *testing.T) {
	t.Parallel()

	inspector := newMockInspector(t)
	l := newTestLifecycle(&fakePorts{port: 1}, &fakeTransport{addr: inspector.ln.Addr().String()})

	s, err := l.Acquire(context.Background(), "org.app")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return inspector.accepted() == 1 }, time.Second, 5*time.Millisecond)

	inspector.dropAll()
	_, err = io.ReadAll(s)
	assert.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("socket not closed after backend EOF")
	}
	assert.True(t, s.Closed())
	assert.Nil(t, l.Cached("org.app"))
	assert.Equal(t, 0, l.Len())

	s2, err := l.Acquire(context.Background(), "org.app")
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
}

func TestLifecycle_Release(t *testing.T) {
	t.Parallel()

	inspector := newMockInspector(t)
	l := newTestLifecycle(&fakePorts{port: 1}, &fakeTransport{addr: inspector.ln.Addr().String()})
	ctx := context.Background()

	require.NoError(t, l.Release(ctx, "org.app"))

	s, err := l.Acquire(ctx, "org.app")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "org.other")
	require.NoError(t, err)
	require.Equal(t, 2, l.Len())

	require.NoError(t, l.Release(ctx, "org.app"))
	assert.True(t, s.Closed())
	assert.Equal(t, 1, l.Len())
	require.NoError(t, l.Release(ctx, "org.app"))

	require.NoError(t, l.ReleaseAll(ctx))
	assert.Equal(t, 0, l.Len())
}

func TestLifecycle_ReleaseStaleSocketKeepsNewer(t *testing.T) {
	t.Parallel()

	inspector := newMockInspector(t)
	l := newTestLifecycle(&fakePorts{port: 1}, &fakeTransport{addr: inspector.ln.Addr().String()})
	ctx := context.Background()

	old, err := l.Acquire(ctx, "org.app")
	require.NoError(t, err)
	require.NoError(t, l.Reset(ctx, "org.app"))
	assert.True(t, old.Closed())

	cur, err := l.Acquire(ctx, "org.app")
	require.NoError(t, err)
	require.NotSame(t, old, cur)

	// The previous consumer letting go of its own socket leaves the new one.
	require.NoError(t, l.ReleaseSocket(ctx, old))
	assert.Same(t, cur, l.Cached("org.app"))
	assert.False(t, cur.Closed())
}

func TestLifecycle_ConnectFailures(t *testing.T) {
	t.Parallel()

	l := newTestLifecycle(&fakePorts{port: 1}, &fakeTransport{err: errors.New("connection refused")})
	_, err := l.Acquire(context.Background(), "org.app")
	assert.ErrorIs(t, err, bridgeerrors.ErrConnectRefused)

	l = newTestLifecycle(&fakePorts{port: 1}, &fakeTransport{hang: true})
	start := time.Now()
	_, err = l.Acquire(context.Background(), "org.app")
	assert.ErrorIs(t, err, bridgeerrors.ErrConnectTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, l.Len())
}

func TestLifecycle_LockTimeout(t *testing.T) {
	locker := session.NewLocker(30 * time.Millisecond)
	l := NewLifecycle(Config{
		DeviceID:  "dev1",
		Ports:     &fakePorts{port: 1},
		Transport: &fakeTransport{hang: true},
		Locker:    locker,
	})

	unlock, err := locker.Lock(context.Background(), session.SocketLockName(session.Key{DeviceID: "dev1", AppID: "org.app"}))
	require.NoError(t, err)
	defer unlock()

	_, err = l.Acquire(context.Background(), "org.app")
	assert.ErrorIs(t, err, bridgeerrors.ErrLockTimeout)
}

func TestSocket_CloseListeners(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	s := NewSocket(a, session.Key{DeviceID: "d", AppID: "a"}, 1)
	var calls int32
	s.OnClose(func(*Socket) { atomic.AddInt32(&calls, 1) })

	require.NoError(t, s.Close())
	s.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	s.OnClose(func(*Socket) { atomic.AddInt32(&calls, 1) })
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSocket_ClosedReadWrite(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	s := NewSocket(a, session.Key{DeviceID: "d", AppID: "a"}, 1)
	require.NoError(t, s.Close())

	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, bridgeerrors.ErrSocketClosed)
	assert.ErrorIs(t, err, net.ErrClosed)

	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, bridgeerrors.ErrSocketClosed)
}

func TestLANConnector(t *testing.T) {
	t.Parallel()

	inspector := newMockInspector(t)
	_, portStr, err := net.SplitHostPort(inspector.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ports := &fakePorts{port: port}
	var dialed string
	c := NewLANConnector(LANConnectorConfig{
		Device:   device.Device{Identifier: "dev1", DisplayName: "Phone", Connectivity: device.WiFiOnly},
		Ports:    ports,
		Hostname: func(device.Device) string { return "127.0.0.1" },
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialed = network + " " + address
			var d net.Dialer
			return d.DialContext(ctx, network, address)
		},
	})

	s, err := c.Connect(context.Background(), "org.app")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "tcp4 127.0.0.1:"+portStr, dialed)
	assert.Equal(t, port, s.Port())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ports.requests))
}

type staticKnown map[string]int

func (k staticKnown) LastReportedPort(deviceID, appID string) (int, bool) {
	p, ok := k[deviceID+"/"+appID]
	return p, ok
}

func TestLANConnector_KnownPortSkipsDiscovery(t *testing.T) {
	t.Parallel()

	inspector := newMockInspector(t)
	_, portStr, _ := net.SplitHostPort(inspector.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	ports := &fakePorts{}
	c := NewLANConnector(LANConnectorConfig{
		Device:   device.Device{Identifier: "dev1", DisplayName: "Phone"},
		Ports:    ports,
		Known:    staticKnown{"dev1/org.app": port},
		Hostname: func(device.Device) string { return "127.0.0.1" },
	})

	s, err := c.Connect(context.Background(), "org.app")
	require.NoError(t, err)
	s.Close()
	assert.Equal(t, int32(0), atomic.LoadInt32(&ports.requests))
}
