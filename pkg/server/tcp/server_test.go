// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/backend"
	"github.com/Yellowbox-AU/debugbridge/pkg/handler"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = session.Key{DeviceID: "dev1", AppID: "org.app"}

// mockBackend dials addr for every Acquire.
type mockBackend struct {
	addr string
	err  error

	mu       sync.Mutex
	sock     *backend.Socket
	releases int
}

func (m *mockBackend) Acquire(ctx context.Context, appID string) (*backend.Socket, error) {
	if m.err != nil {
		return nil, m.err
	}
	conn, err := net.Dial("tcp", m.addr)
	if err != nil {
		return nil, err
	}
	s := backend.NewSocket(conn, testKey, 1)
	m.mu.Lock()
	m.sock = s
	m.mu.Unlock()
	return s, nil
}

func (m *mockBackend) ReleaseSocket(ctx context.Context, s *backend.Socket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return s.Close()
}

type mockHandler struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connErrors  []handler.ConnectionError
}

func (m *mockHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return nil
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *mockHandler) OnConnectionError(ctx context.Context, cerr handler.ConnectionError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connErrors = append(m.connErrors, cerr)
	return nil
}

func (m *mockHandler) counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects, len(m.connErrors)
}

// startEchoServer starts a backend that echoes everything and returns its
// address plus a function that drops every accepted connection.
func startEchoServer(t *testing.T) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func() {
				io.Copy(conn, conn)
			}()
		}
	}()

	drop := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}
	t.Cleanup(func() {
		ln.Close()
		drop()
	})
	return ln.Addr().String(), drop
}

func startServer(t *testing.T, network string, b Backend, h handler.Handler) (*Server, net.Addr) {
	t.Helper()
	addr := "localhost:0"
	if network == "unix" {
		addr = filepath.Join(t.TempDir(), "debug.sock")
	}
	ln, err := net.Listen(network, addr)
	require.NoError(t, err)

	srv := New(Config{Key: testKey, ShutdownTimeout: time.Second}, b, h)
	go srv.Serve(context.Background(), ln)
	t.Cleanup(func() { srv.Close() })
	return srv, ln.Addr()
}

func TestServer_PassThrough(t *testing.T) {
	for _, network := range []string{"tcp", "unix"} {
		t.Run(network, func(t *testing.T) {
			echoAddr, _ := startEchoServer(t)
			b := &mockBackend{addr: echoAddr}
			h := &mockHandler{}
			_, addr := startServer(t, network, b, h)

			conn, err := net.Dial(addr.Network(), addr.String())
			require.NoError(t, err)
			defer conn.Close()

			payload := []byte{0, 0, 0, 2, 'h', 0}
			_, err = conn.Write(payload)
			require.NoError(t, err)

			buf := make([]byte, len(payload))
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			assert.Equal(t, payload, buf)

			connects, _, _ := h.counts()
			assert.Equal(t, 1, connects)
		})
	}
}

func TestServer_FrontendCloseTearsDown(t *testing.T) {
	echoAddr, _ := startEchoServer(t)
	b := &mockBackend{addr: echoAddr}
	h := &mockHandler{}
	srv, addr := startServer(t, "tcp", b, h)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	conn.Close()

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after frontend close")
	}

	b.mu.Lock()
	assert.Equal(t, 1, b.releases)
	assert.True(t, b.sock.Closed())
	b.mu.Unlock()

	_, disconnects, _ := h.counts()
	assert.Equal(t, 1, disconnects)

	_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_BackendCloseTearsDown(t *testing.T) {
	echoAddr, drop := startEchoServer(t)
	b := &mockBackend{addr: echoAddr}
	h := &mockHandler{}
	srv, addr := startServer(t, "tcp", b, h)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	drop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after backend close")
	}
}

func TestServer_RejectsSecondFrontend(t *testing.T) {
	echoAddr, _ := startEchoServer(t)
	b := &mockBackend{addr: echoAddr}
	_, addr := startServer(t, "tcp", b, &mockHandler{})

	first, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	second, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	// The first session is unaffected.
	_, err = first.Write([]byte("y"))
	require.NoError(t, err)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)
	assert.Equal(t, "y", string(buf))
}

func TestServer_BackendFailure(t *testing.T) {
	b := &mockBackend{err: errors.New("port discovery timeout")}
	h := &mockHandler{}
	srv, addr := startServer(t, "tcp", b, h)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after backend failure")
	}

	connects, disconnects, connErrors := h.counts()
	assert.Equal(t, 0, connects)
	assert.Equal(t, 0, disconnects)
	require.Equal(t, 1, connErrors)
	h.mu.Lock()
	assert.Equal(t, "dev1", h.connErrors[0].DeviceID)
	assert.Contains(t, h.connErrors[0].Message, "dev1")
	h.mu.Unlock()
}

func TestServer_CloseBeforeServe(t *testing.T) {
	srv := New(Config{Key: testKey}, &mockBackend{}, nil)
	require.NoError(t, srv.Close())
	<-srv.Done()

	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	assert.NoError(t, srv.Serve(context.Background(), ln))

	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_ContextCancel(t *testing.T) {
	echoAddr, _ := startEchoServer(t)
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	srv := New(Config{Key: testKey, ShutdownTimeout: time.Second}, &mockBackend{addr: echoAddr}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
