// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/backend"
	"github.com/Yellowbox-AU/debugbridge/pkg/codec"
	"github.com/Yellowbox-AU/debugbridge/pkg/handler"
	"github.com/Yellowbox-AU/debugbridge/pkg/metrics"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
	"github.com/google/uuid"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Backend provides and releases the backend socket of a session.
type Backend interface {
	Acquire(ctx context.Context, appID string) (*backend.Socket, error)
	ReleaseSocket(ctx context.Context, s *backend.Socket) error
}

// Config holds the pass-through server configuration.
type Config struct {
	// Key is the debug session served.
	Key session.Key

	// ShutdownTimeout is the maximum time to wait for the session to
	// drain once the server is closing.
	ShutdownTimeout time.Duration

	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server is a single-consumer raw pass-through: the first frontend that
// connects is piped to the session's backend socket unmodified. Further
// connections are refused while it is active. When either side closes, the
// other side and the server itself are torn down.
type Server struct {
	config  Config
	backend Backend
	handler handler.Handler

	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc

	mu     sync.Mutex
	active net.Conn
	ln     net.Listener
	closed bool
}

// New creates a pass-through server for cfg.Key.
func New(cfg Config, b Backend, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:  cfg,
		backend: b,
		handler: h,
		done:    make(chan struct{}),
		cancel:  func() {},
	}
}

// Serve accepts frontends on ln until the session ends, ctx is cancelled or
// Close is called. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.once.Do(func() { close(s.done) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	addr := ln.Addr().String()
	s.config.Logger.Info("raw proxy listening",
		slog.String("session", s.config.Key.String()),
		slog.String("address", addr))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if !s.claim(conn) {
				s.config.Logger.Warn("rejecting additional frontend",
					slog.String("session", s.config.Key.String()),
					slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer cancel()
				if err := s.handleConn(ctx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Tear the session down instead of waiting for the frontend.
	s.mu.Lock()
	if s.active != nil {
		s.active.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("raw proxy closed", slog.String("session", s.config.Key.String()))
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded", slog.String("session", s.config.Key.String()))
		return ErrShutdownTimeout
	}
}

// Close stops the server and waits for Serve to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel, ln := s.cancel, s.ln
	s.mu.Unlock()

	if ln == nil {
		// Serve has not started; it will return at once.
		s.once.Do(func() { close(s.done) })
		return nil
	}
	cancel()
	<-s.done
	return nil
}

// Done is closed once the server has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) claim(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return false
	}
	s.active = conn
	return true
}

// handleConn wires one frontend to the backend socket and pumps bytes both
// ways until either side closes.
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	key := s.config.Key
	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		DeviceID:   key.DeviceID,
		AppID:      key.AppID,
		RemoteAddr: inbound.RemoteAddr().String(),
		Protocol:   "tcp",
	}

	outbound, err := s.backend.Acquire(ctx, key.AppID)
	if err != nil {
		cerr := handler.NewConnectionError(key.DeviceID, key.AppID, err)
		s.config.Logger.Warn("cannot connect to device socket",
			slog.String("session", hctx.SessionID),
			slog.String("device", key.DeviceID),
			slog.String("error", err.Error()))
		if herr := s.handler.OnConnectionError(context.Background(), cerr); herr != nil {
			s.config.Logger.Error("connection error handler error",
				slog.String("session", hctx.SessionID),
				slog.String("error", herr.Error()))
		}
		return err
	}

	if err := s.handler.OnConnect(ctx, hctx); err != nil {
		s.config.Logger.Error("connect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
	s.config.Logger.Debug("connection established",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.Int("backend_port", outbound.Port()))

	streamErr := s.config.Metrics.ObserveSession("tcp", func() error {
		errCh := make(chan error, 2)

		// Upstream: frontend → backend
		go func() {
			errCh <- s.stream(inbound, outbound, codec.Upstream)
		}()

		// Downstream: backend → frontend
		go func() {
			errCh <- s.stream(outbound, inbound, codec.Downstream)
		}()

		// Either side closing ends the session.
		first := <-errCh
		inbound.Close()
		outbound.Close()
		<-errCh
		return first
	})

	if err := s.backend.ReleaseSocket(context.Background(), outbound); err != nil {
		s.config.Logger.Warn("failed to release backend socket",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	if err := s.handler.OnDisconnect(context.Background(), hctx); err != nil {
		s.config.Logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("connection closed",
		slog.String("session", hctx.SessionID))

	if errors.Is(streamErr, net.ErrClosed) {
		return nil
	}
	return streamErr
}

// stream copies one direction and records the bytes moved.
func (s *Server) stream(r io.Reader, w io.Writer, dir codec.Direction) error {
	n, err := io.Copy(w, r)
	s.config.Metrics.ObserveBytes(dir.String(), n)
	if err == nil {
		return io.EOF
	}
	return err
}
