// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/backend"
	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
	"github.com/Yellowbox-AU/debugbridge/pkg/handler"
	"github.com/Yellowbox-AU/debugbridge/pkg/metrics"
	"github.com/Yellowbox-AU/debugbridge/pkg/netutil"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
	"golang.org/x/sync/errgroup"
)

// Config configures a Registry.
type Config struct {
	// Ports discovers inspector ports. Known is optional; when nil and
	// Ports also implements device.KnownPorts, Ports is used.
	Ports     device.PortReporter
	Known     device.KnownPorts
	Transport device.Transport

	// Modes reports device connectivity. When nil, the connectivity of the
	// device passed to GetOrCreateProxy is used.
	Modes device.ModeResolver

	Locker *session.Locker

	WebSocketHost      string // default: 0.0.0.0
	WebSocketPortStart int    // default: 41000
	WebSocketPortEnd   int    // default: 41999

	// ListenWebSocket binds a WebSocket endpoint. Defaults to
	// netutil.ListenInRange.
	ListenWebSocket func(host string, start, end int) (net.Listener, int, error)

	// RawNetwork is unix (a socket file in a fresh temporary directory)
	// or tcp. RawAddress applies to tcp only.
	RawNetwork string
	RawAddress string

	DiscoveryTimeout time.Duration
	ConnectTimeout   time.Duration
	DrainTimeout     time.Duration // default: 5s
	ShutdownTimeout  time.Duration // default: 5s

	// LANHostname and LANDial override how WiFi-only devices are reached.
	LANHostname func(device.Device) string
	LANDial     func(ctx context.Context, network, address string) (net.Conn, error)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Stats counts the endpoints of a Registry.
type Stats struct {
	Completed int `json:"completed"`
	InFlight  int `json:"in_flight"`
}

type endpointKey struct {
	key  session.Key
	mode Mode
}

type creation struct {
	done chan struct{}
	ep   *Endpoint
	err  error
}

// Registry creates and tracks at most one endpoint per debug session and
// mode. Concurrent requests for the same WebSocket session share a single
// creation.
type Registry struct {
	cfg     Config
	handler handler.Handler

	mu         sync.Mutex
	endpoints  map[endpointKey]*Endpoint
	inflight   map[endpointKey]*creation
	lifecycles map[string]*backend.Lifecycle
	generation uint64
}

// New creates a Registry. Frontend and connection events are delivered to h.
func New(cfg Config, h handler.Handler) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Locker == nil {
		cfg.Locker = session.NewLocker(0)
	}
	if cfg.WebSocketHost == "" {
		cfg.WebSocketHost = "0.0.0.0"
	}
	if cfg.WebSocketPortStart == 0 {
		cfg.WebSocketPortStart = 41000
	}
	if cfg.WebSocketPortEnd == 0 {
		cfg.WebSocketPortEnd = 41999
	}
	if cfg.ListenWebSocket == nil {
		cfg.ListenWebSocket = netutil.ListenInRange
	}
	if cfg.RawNetwork == "" {
		cfg.RawNetwork = "unix"
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Registry{
		cfg:        cfg,
		handler:    h,
		endpoints:  make(map[endpointKey]*Endpoint),
		inflight:   make(map[endpointKey]*creation),
		lifecycles: make(map[string]*backend.Lifecycle),
	}
}

// GetOrCreateProxy returns the endpoint of (dev, appID, mode), creating it
// if needed. A WebSocket endpoint is shared by every caller; asking for a
// raw endpoint that already exists fails with ErrDuplicateProxyRequested.
func (r *Registry) GetOrCreateProxy(ctx context.Context, dev device.Device, appID string, mode Mode) (*Endpoint, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unsupported proxy mode %q", mode)
	}
	key := session.Key{DeviceID: dev.Identifier, AppID: appID}
	k := endpointKey{key: key, mode: mode}

	r.mu.Lock()
	ep, c := r.endpoint(k), r.inflight[k]
	if mode == ModeRawTCP && (ep != nil || c != nil) {
		r.mu.Unlock()
		return nil, bridgeerrors.New("create proxy", key.DeviceID, appID, bridgeerrors.ErrDuplicateProxyRequested)
	}
	if ep != nil {
		r.mu.Unlock()
		r.opened(ep)
		return ep, nil
	}
	if c != nil {
		r.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if c.err != nil {
			return nil, c.err
		}
		r.opened(c.ep)
		return c.ep, nil
	}

	c = &creation{done: make(chan struct{})}
	r.inflight[k] = c
	gen := r.generation
	wired := r.lifecycle(dev.Identifier)
	r.mu.Unlock()

	ep, err := r.create(ctx, dev, key, mode, wired)

	r.mu.Lock()
	if r.inflight[k] == c {
		delete(r.inflight, k)
	}
	stale := gen != r.generation
	if err == nil && !stale {
		r.endpoints[k] = ep
	}
	r.mu.Unlock()

	if err == nil && stale {
		// Removed while it was being created.
		r.cfg.Logger.Debug("closing proxy created after removal", slog.String("session", key.String()))
		ep.Close()
		ep, err = nil, bridgeerrors.ErrRegistryClosed
	}
	if err != nil {
		err = bridgeerrors.New("create proxy", key.DeviceID, appID, err)
	}

	c.ep, c.err = ep, err
	close(c.done)
	if err != nil {
		return nil, err
	}

	go r.forget(k, ep)
	r.opened(ep)
	return ep, nil
}

// Proxy returns the existing endpoint of key and mode.
func (r *Registry) Proxy(key session.Key, mode Mode) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := r.endpoint(endpointKey{key: key, mode: mode})
	return ep, ep != nil
}

// Endpoints returns the completed endpoints ordered by session and mode.
func (r *Registry) Endpoints() []*Endpoint {
	r.mu.Lock()
	eps := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if !ep.stopped() {
			eps = append(eps, ep)
		}
	}
	r.mu.Unlock()

	sort.Slice(eps, func(i, j int) bool {
		if a, b := eps[i].Key.String(), eps[j].Key.String(); a != b {
			return a < b
		}
		return eps[i].Mode < eps[j].Mode
	})
	return eps
}

// Snapshot reports every completed endpoint.
func (r *Registry) Snapshot() []EndpointInfo {
	eps := r.Endpoints()
	infos := make([]EndpointInfo, 0, len(eps))
	for _, ep := range eps {
		infos = append(infos, ep.Info())
	}
	return infos
}

// Stats returns the number of completed and in-flight endpoints.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Completed: len(r.endpoints), InFlight: len(r.inflight)}
}

// RemoveAll closes every endpoint and releases every cached backend socket.
// In-flight creations are awaited for up to DrainTimeout; those still
// running afterwards close their own endpoint when they finish.
func (r *Registry) RemoveAll(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]*creation, 0, len(r.inflight))
	names := make([]string, 0, len(r.inflight))
	for k, c := range r.inflight {
		pending = append(pending, c)
		names = append(names, k.key.String())
	}
	r.mu.Unlock()

	if len(pending) > 0 {
		r.cfg.Logger.Debug("waiting for in-flight proxies", slog.Int("count", len(pending)))
		if err := r.drain(ctx, pending); err != nil {
			r.cfg.Logger.Warn("timeout waiting for in-flight proxies",
				slog.Any("sessions", names),
				slog.String("error", err.Error()))
		}
	}

	r.mu.Lock()
	eps := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	lcs := make([]*backend.Lifecycle, 0, len(r.lifecycles))
	for _, lc := range r.lifecycles {
		lcs = append(lcs, lc)
	}
	r.endpoints = make(map[endpointKey]*Endpoint)
	r.inflight = make(map[endpointKey]*creation)
	r.generation++
	r.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s proxy %s: %w", ep.Mode, ep.Key, err))
		}
	}
	for _, lc := range lcs {
		if err := lc.ReleaseAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) create(ctx context.Context, dev device.Device, key session.Key, mode Mode, wired *backend.Lifecycle) (*Endpoint, error) {
	if mode == ModeRawTCP {
		return r.newRaw(ctx, key, wired)
	}
	return r.newWebSocket(dev, key, wired)
}

// lifecycle returns the backend socket lifecycle of deviceID. r.mu is held.
func (r *Registry) lifecycle(deviceID string) *backend.Lifecycle {
	lc, ok := r.lifecycles[deviceID]
	if !ok {
		lc = backend.NewLifecycle(backend.Config{
			DeviceID:         deviceID,
			Ports:            r.cfg.Ports,
			Transport:        r.cfg.Transport,
			Locker:           r.cfg.Locker,
			DiscoveryTimeout: r.cfg.DiscoveryTimeout,
			ConnectTimeout:   r.cfg.ConnectTimeout,
			Metrics:          r.cfg.Metrics,
			Logger:           r.cfg.Logger,
		})
		r.lifecycles[deviceID] = lc
	}
	return lc
}

func (r *Registry) drain(ctx context.Context, pending []*creation) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DrainTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range pending {
		c := c
		g.Go(func() error {
			select {
			case <-c.done:
				return nil
			case <-gctx.Done():
				return bridgeerrors.ErrDrainTimeout
			}
		})
	}
	return g.Wait()
}

// endpoint returns the live endpoint of k. An endpoint that stopped by
// itself is dropped here, before forget gets to it. r.mu is held.
func (r *Registry) endpoint(k endpointKey) *Endpoint {
	ep := r.endpoints[k]
	if ep != nil && ep.stopped() {
		delete(r.endpoints, k)
		return nil
	}
	return ep
}

// forget drops ep from the registry once it stops by itself.
func (r *Registry) forget(k endpointKey, ep *Endpoint) {
	<-ep.Done()
	r.mu.Lock()
	if r.endpoints[k] == ep {
		delete(r.endpoints, k)
	}
	r.mu.Unlock()
}

// opened announces a ready WebSocket endpoint. Editor integrations wait
// for this line before attaching.
func (r *Registry) opened(ep *Endpoint) {
	if ep.Mode == ModeWebSocket {
		r.cfg.Logger.Info("Opened localhost " + strconv.Itoa(ep.Port))
	}
}
