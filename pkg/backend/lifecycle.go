// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
	"github.com/Yellowbox-AU/debugbridge/pkg/metrics"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
)

// Config configures the Lifecycle of one device.
type Config struct {
	DeviceID  string
	Ports     device.PortReporter
	Transport device.Transport

	// Locker serializes socket creation and teardown per session. Share
	// one Locker across lifecycles.
	Locker *session.Locker

	DiscoveryTimeout time.Duration // default: 10s
	ConnectTimeout   time.Duration // default: 3s

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Lifecycle owns the backend sockets of one device, at most one per
// application. Sockets are created on demand through the device transport
// and evicted as soon as they close.
type Lifecycle struct {
	cfg Config

	mu      sync.Mutex
	sockets map[string]*Socket
}

// NewLifecycle creates the socket lifecycle of cfg.DeviceID.
func NewLifecycle(cfg Config) *Lifecycle {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Locker == nil {
		cfg.Locker = session.NewLocker(30 * time.Second)
	}
	if cfg.DiscoveryTimeout == 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	return &Lifecycle{
		cfg:     cfg,
		sockets: make(map[string]*Socket),
	}
}

// DeviceID returns the device the lifecycle manages.
func (l *Lifecycle) DeviceID() string {
	return l.cfg.DeviceID
}

// Connect implements Connector.
func (l *Lifecycle) Connect(ctx context.Context, appID string) (*Socket, error) {
	return l.Acquire(ctx, appID)
}

// Reset implements Resetter.
func (l *Lifecycle) Reset(ctx context.Context, appID string) error {
	return l.Release(ctx, appID)
}

// Acquire returns the cached socket of appID or establishes a new one.
// Concurrent callers for the same application share one discovery and
// connect.
func (l *Lifecycle) Acquire(ctx context.Context, appID string) (*Socket, error) {
	if s := l.Cached(appID); s != nil {
		return s, nil
	}

	key := l.key(appID)
	unlock, err := l.cfg.Locker.Lock(ctx, session.SocketLockName(key))
	if err != nil {
		return nil, bridgeerrors.New("acquire", key.DeviceID, appID, err)
	}
	defer unlock()

	// Another caller may have finished while we waited.
	if s := l.Cached(appID); s != nil {
		return s, nil
	}

	port, err := discoverPort(ctx, l.cfg.Ports, key, l.cfg.DiscoveryTimeout, l.cfg.Metrics)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.cfg.Transport.OpenSocket(dctx, key.DeviceID, port)
	if err != nil {
		l.cfg.Metrics.ConnectionError("connect")
		return nil, bridgeerrors.New("connect", key.DeviceID, appID, bridgeerrors.ClassifyDialError(err))
	}

	s := NewSocket(conn, key, port)
	l.mu.Lock()
	l.sockets[appID] = s
	l.mu.Unlock()
	l.cfg.Metrics.SocketOpened()
	s.OnClose(l.evict)

	l.cfg.Logger.Info("backend socket created",
		slog.String("device", key.DeviceID),
		slog.String("app", appID),
		slog.Int("port", port))
	return s, nil
}

// Cached returns the open cached socket of appID, or nil.
func (l *Lifecycle) Cached(appID string) *Socket {
	l.mu.Lock()
	s := l.sockets[appID]
	l.mu.Unlock()

	if s == nil || s.Closed() {
		return nil
	}
	return s
}

// Release closes and evicts the socket of appID. It returns after the
// socket has closed and is a no-op when there is none.
func (l *Lifecycle) Release(ctx context.Context, appID string) error {
	key := l.key(appID)
	unlock, err := l.cfg.Locker.Lock(ctx, session.SocketLockName(key))
	if err != nil {
		return bridgeerrors.New("release", key.DeviceID, appID, err)
	}
	defer unlock()

	l.mu.Lock()
	s := l.sockets[appID]
	l.mu.Unlock()
	if s == nil {
		return nil
	}

	return s.Close()
}

// ReleaseSocket closes s. The cache entry of its application is dropped only
// while it still holds s, so a newer socket acquired meanwhile is kept.
func (l *Lifecycle) ReleaseSocket(ctx context.Context, s *Socket) error {
	return s.Close()
}

// ReleaseAll releases every cached socket of the device.
func (l *Lifecycle) ReleaseAll(ctx context.Context) error {
	l.mu.Lock()
	apps := make([]string, 0, len(l.sockets))
	for app := range l.sockets {
		apps = append(apps, app)
	}
	l.mu.Unlock()

	var errs []error
	for _, app := range apps {
		if err := l.Release(ctx, app); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of cached sockets.
func (l *Lifecycle) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sockets)
}

// evict drops s from the cache unless a newer socket replaced it.
func (l *Lifecycle) evict(s *Socket) {
	l.mu.Lock()
	cur, ok := l.sockets[s.Key().AppID]
	if ok && cur == s {
		delete(l.sockets, s.Key().AppID)
	}
	l.mu.Unlock()

	if ok && cur == s {
		l.cfg.Metrics.SocketClosed()
		l.cfg.Logger.Debug("backend socket closed",
			slog.String("device", s.Key().DeviceID),
			slog.String("app", s.Key().AppID))
	}
}

func (l *Lifecycle) key(appID string) session.Key {
	return session.Key{DeviceID: l.cfg.DeviceID, AppID: appID}
}
