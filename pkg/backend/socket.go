// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
)

// errClosed keeps net.ErrClosed in the chain so pumps treat it as a normal end.
var errClosed = fmt.Errorf("%w: %w", bridgeerrors.ErrSocketClosed, net.ErrClosed)

// Socket is an open byte stream to the inspector server of one session.
// Closing it, or reading an error from it, runs its close listeners once.
type Socket struct {
	net.Conn

	key  session.Key
	port int

	mu        sync.Mutex
	closed    bool
	listeners []func(*Socket)
	done      chan struct{}
	closeErr  error
}

// NewSocket wraps conn as the backend socket of key, connected to port.
func NewSocket(conn net.Conn, key session.Key, port int) *Socket {
	return &Socket{
		Conn: conn,
		key:  key,
		port: port,
		done: make(chan struct{}),
	}
}

// Key returns the session the socket belongs to.
func (s *Socket) Key() session.Key { return s.key }

// Port returns the device port the socket is connected to.
func (s *Socket) Port() int { return s.port }

// Done is closed once the socket has been closed.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Closed reports whether the socket has been closed.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OnClose registers fn to run after the socket closes. If it is already
// closed fn runs immediately.
func (s *Socket) OnClose(fn func(*Socket)) {
	s.mu.Lock()
	if !s.closed {
		s.listeners = append(s.listeners, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(s)
}

// Read reads from the backend. A read failure other than a deadline closes
// the socket.
func (s *Socket) Read(p []byte) (int, error) {
	if s.Closed() {
		return 0, errClosed
	}
	n, err := s.Conn.Read(p)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		s.Close()
	}
	return n, err
}

// Write writes to the backend. It fails with ErrSocketClosed once the
// socket is closed.
func (s *Socket) Write(p []byte) (int, error) {
	if s.Closed() {
		return 0, errClosed
	}
	return s.Conn.Write(p)
}

// Close closes the connection and runs the close listeners. It returns once
// the listeners have run and is safe to call more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return s.closeErr
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	s.closeErr = s.Conn.Close()
	for _, fn := range listeners {
		fn(s)
	}
	close(s.done)
	return s.closeErr
}
