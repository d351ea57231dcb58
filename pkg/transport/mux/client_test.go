// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon serves the daemon protocol. connect dials localhost:<port>,
// logs streams the lines sent on the logs channel, notify is recorded.
type fakeDaemon struct {
	ln   net.Listener
	logs chan string

	mu       sync.Mutex
	notified []string
	sessions []*yamux.Session
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	d := &fakeDaemon{ln: ln, logs: make(chan string, 16)}
	go d.serve()
	t.Cleanup(func() {
		ln.Close()
		d.dropSessions()
	})
	return d
}

func (d *fakeDaemon) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		cfg := yamux.DefaultConfig()
		cfg.LogOutput = io.Discard
		sess, err := yamux.Server(conn, cfg)
		if err != nil {
			conn.Close()
			continue
		}
		d.mu.Lock()
		d.sessions = append(d.sessions, sess)
		d.mu.Unlock()

		go func() {
			for {
				stream, err := sess.AcceptStream()
				if err != nil {
					return
				}
				go d.handle(stream)
			}
		}()
	}
}

func (d *fakeDaemon) handle(stream *yamux.Stream) {
	defer stream.Close()

	br := bufio.NewReader(stream)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		reply(stream, Response{Error: "bad request"})
		return
	}

	switch req.Op {
	case OpPing:
		reply(stream, Response{OK: true})
	case OpNotify:
		d.mu.Lock()
		d.notified = append(d.notified, req.Device+" "+req.Name)
		d.mu.Unlock()
		reply(stream, Response{OK: true})
	case OpLogs:
		reply(stream, Response{OK: true})
		for l := range d.logs {
			if _, err := fmt.Fprintln(stream, l); err != nil {
				return
			}
		}
	case OpConnect:
		backend, err := net.Dial("tcp", net.JoinHostPort("localhost", strconv.Itoa(req.Port)))
		if err != nil {
			reply(stream, Response{Error: fmt.Sprintf("port %d refused", req.Port)})
			return
		}
		defer backend.Close()
		reply(stream, Response{OK: true})
		go io.Copy(backend, br)
		io.Copy(stream, backend)
	default:
		reply(stream, Response{Error: "unknown op " + req.Op})
	}
}

func reply(w io.Writer, resp Response) {
	b, _ := json.Marshal(resp)
	w.Write(append(b, '\n'))
}

func (d *fakeDaemon) dropSessions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		s.Close()
	}
	d.sessions = nil
}

func (d *fakeDaemon) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func newEchoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestClient(t *testing.T, d *fakeDaemon) *Client {
	c := NewClient(Config{Address: d.ln.Addr().String()})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_OpenSocket(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	c := newTestClient(t, d)
	port := newEchoServer(t)

	conn, err := c.OpenSocket(context.Background(), "dev1", port)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestClient_OpenSocketRefused(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	c := newTestClient(t, d)

	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = c.OpenSocket(context.Background(), "dev1", port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestClient_NotifyAndLogs(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	c := newTestClient(t, d)
	ctx := context.Background()

	logs, err := c.OpenLogStream(ctx, "dev1")
	require.NoError(t, err)
	defer logs.Close()

	require.NoError(t, c.PostNotification(ctx, "dev1", "org.app:NativeScript.Debug.AttachRequest"))
	d.mu.Lock()
	assert.Equal(t, []string{"dev1 org.app:NativeScript.Debug.AttachRequest"}, d.notified)
	d.mu.Unlock()

	d.logs <- "first line"
	d.logs <- "second line"
	sc := bufio.NewScanner(logs)
	require.True(t, sc.Scan())
	assert.Equal(t, "first line", sc.Text())
	require.True(t, sc.Scan())
	assert.Equal(t, "second line", sc.Text())
}

func TestClient_Redial(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	c := newTestClient(t, d)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	require.Equal(t, 1, d.sessionCount())

	d.dropSessions()
	assert.Eventually(t, func() bool {
		return c.Ping(ctx) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, d.sessionCount())
}

func TestClient_ContextTimeout(t *testing.T) {
	t.Parallel()

	// A daemon that never answers.
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sess, _ := yamux.Server(conn, nil)
		for {
			if _, err := sess.AcceptStream(); err != nil {
				return
			}
		}
	}()

	c := NewClient(Config{Address: ln.Addr().String()})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.OpenSocket(ctx, "dev1", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Closed(t *testing.T) {
	d := newFakeDaemon(t)
	c := NewClient(Config{Address: d.ln.Addr().String()})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
}
