// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Yellowbox-AU/debugbridge/pkg/backend"
	"github.com/Yellowbox-AU/debugbridge/pkg/codec"
	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
	"github.com/Yellowbox-AU/debugbridge/pkg/handler"
	"github.com/Yellowbox-AU/debugbridge/pkg/metrics"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type socketKey struct{}

func withSocket(ctx context.Context, s *backend.Socket) context.Context {
	return context.WithValue(ctx, socketKey{}, s)
}

// SocketFromContext returns the backend socket prepared for the frontend
// whose request carries ctx.
func SocketFromContext(ctx context.Context) (*backend.Socket, bool) {
	s, ok := ctx.Value(socketKey{}).(*backend.Socket)
	return s, ok
}

// Config configures a Coordinator.
type Config struct {
	// Key is the debug session this coordinator serves.
	Key session.Key

	// Wired reaches the backend through the device transport.
	Wired backend.Connector

	// LAN reaches WiFi-only devices directly. When nil, Wired is used for
	// every device.
	LAN backend.Connector

	// Modes decides which connector serves a handshake.
	Modes device.ModeResolver

	// Locker provides the connection lock of the session.
	Locker *session.Locker

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type wsSession struct {
	id   string
	ws   *Conn
	sock *backend.Socket
	done chan struct{}

	// replaced is set when a newer frontend took the session over.
	replaced atomic.Bool
}

// Coordinator is the http.Handler behind a WebSocket proxy endpoint. A
// frontend upgrade is accepted only once a backend socket for the session is
// ready. A new frontend always replaces the previous session, and its
// backend socket is recreated.
type Coordinator struct {
	cfg      Config
	handler  handler.Handler
	upgrader websocket.Upgrader

	mu      sync.Mutex
	current *wsSession
	closed  bool
}

var _ http.Handler = (*Coordinator)(nil)

// NewCoordinator creates the handshake coordinator of cfg.Key.
func NewCoordinator(cfg Config, h handler.Handler) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Locker == nil {
		cfg.Locker = session.NewLocker(0)
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Coordinator{
		cfg:     cfg,
		handler: h,
		upgrader: websocket.Upgrader{
			// DevTools frontends are served from devtools:// and chrome-devtools:// origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
		return
	}

	key := c.cfg.Key
	logger := c.cfg.Logger.With(
		slog.String("device", key.DeviceID),
		slog.String("app", key.AppID),
		slog.String("remote", r.RemoteAddr))
	logger.Info("frontend handshake", slog.String("origin", r.Header.Get("Origin")))

	unlock, err := c.cfg.Locker.Lock(r.Context(), session.ConnectionLockName(key))
	if err != nil {
		c.deny(w, r, logger, err)
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			unlock()
		}
	}
	defer release()

	if c.isClosed() {
		http.Error(w, bridgeerrors.ErrRegistryClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	// The inspector only initializes a fresh frontend on a fresh socket.
	c.teardown(websocket.CloseGoingAway, "replaced by a new frontend", true)

	conn := c.connector()
	if rs, ok := conn.(backend.Resetter); ok {
		if err := rs.Reset(r.Context(), key.AppID); err != nil {
			release()
			c.deny(w, r, logger, err)
			return
		}
	}

	sock, err := conn.Connect(r.Context(), key.AppID)
	if err != nil {
		release()
		c.deny(w, r, logger, err)
		return
	}
	logger.Info("backend socket created", slog.Int("port", sock.Port()))

	ctx := withSocket(r.Context(), sock)
	r = r.WithContext(ctx)

	raw, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sock.Close()
		logger.Error("failed to upgrade frontend connection", slog.String("error", err.Error()))
		return
	}

	sess := &wsSession{
		id:   uuid.New().String(),
		ws:   NewConn(raw),
		sock: sock,
		done: make(chan struct{}),
	}
	if !c.attach(sess) {
		sess.ws.CloseWith(websocket.CloseGoingAway, "proxy closing")
		sock.Close()
		close(sess.done)
		return
	}
	defer close(sess.done)

	// Wiring begins; the next handshake may proceed.
	release()

	hctx := &handler.Context{
		SessionID:  sess.id,
		DeviceID:   key.DeviceID,
		AppID:      key.AppID,
		RemoteAddr: r.RemoteAddr,
		Protocol:   "websocket",
	}
	if err := c.handler.OnConnect(ctx, hctx); err != nil {
		logger.Error("connect handler error", slog.String("error", err.Error()))
	}
	logger.Info("frontend client connected", slog.String("session", sess.id))

	err = c.cfg.Metrics.ObserveSession("websocket", func() error {
		return c.relay(sess)
	})
	if err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("relay ended", slog.String("session", sess.id), slog.String("error", err.Error()))
	}

	c.detach(sess)
	hctx.Replaced = sess.replaced.Load()
	if err := c.handler.OnDisconnect(context.Background(), hctx); err != nil {
		logger.Error("disconnect handler error", slog.String("error", err.Error()))
	}
	logger.Info("frontend client disconnected", slog.String("session", sess.id))
}

// Active reports whether a frontend is currently wired.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Close tears down the active session and rejects further handshakes.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.teardown(websocket.CloseGoingAway, "proxy closing", false)
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) connector() backend.Connector {
	if c.cfg.LAN != nil && c.cfg.Modes != nil &&
		c.cfg.Modes.ConnectivityMode(c.cfg.Key.DeviceID) == device.WiFiOnly {
		return c.cfg.LAN
	}
	return c.cfg.Wired
}

func (c *Coordinator) attach(sess *wsSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.current = sess
	return true
}

func (c *Coordinator) detach(sess *wsSession) {
	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
}

// teardown closes the current session on both sides and waits for its
// relay to exit.
func (c *Coordinator) teardown(code int, reason string, replaced bool) {
	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.mu.Unlock()

	if cur == nil {
		return
	}
	cur.replaced.Store(replaced)
	cur.ws.CloseWith(code, reason)
	cur.sock.Close()
	<-cur.done
}

func (c *Coordinator) deny(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	key := c.cfg.Key
	cerr := handler.NewConnectionError(key.DeviceID, key.AppID, err)
	logger.Warn("cannot connect to device socket", slog.String("error", err.Error()))

	if herr := c.handler.OnConnectionError(context.Background(), cerr); herr != nil {
		logger.Error("connection error handler error", slog.String("error", herr.Error()))
	}
	http.Error(w, fmt.Sprintf("%v: %s", bridgeerrors.ErrHandshakeDenied, cerr.Message), http.StatusBadGateway)
}

// relay moves messages both ways until either side closes, then closes
// both.
func (c *Coordinator) relay(sess *wsSession) error {
	errCh := make(chan error, 2)

	// Upstream: frontend → backend
	go func() {
		w := codec.NewWriter(sess.sock)
		for {
			msg, err := sess.ws.ReadText()
			if err != nil {
				errCh <- err
				return
			}
			if err := w.WriteMessage(msg); err != nil {
				errCh <- err
				return
			}
			c.cfg.Metrics.ObserveMessage(codec.Upstream.String(), len(msg))
		}
	}()

	// Downstream: backend → frontend
	go func() {
		r := codec.NewReader(sess.sock)
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			if err := sess.ws.WriteText(msg); err != nil {
				errCh <- err
				return
			}
			c.cfg.Metrics.ObserveMessage(codec.Downstream.String(), len(msg))
		}
	}()

	first := <-errCh
	code, reason := websocket.CloseNormalClosure, ""
	if sess.sock.Closed() {
		code, reason = websocket.CloseGoingAway, "inspector disconnected"
	}
	sess.ws.CloseWith(code, reason)
	sess.sock.Close()
	<-errCh
	return first
}
