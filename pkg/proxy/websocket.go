// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/backend"
	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	"github.com/Yellowbox-AU/debugbridge/pkg/server/websocket"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
)

// newWebSocket binds the first free port of the configured range and serves
// the session's handshake coordinator on it.
func (r *Registry) newWebSocket(dev device.Device, key session.Key, wired *backend.Lifecycle) (*Endpoint, error) {
	ln, port, err := r.cfg.ListenWebSocket(r.cfg.WebSocketHost, r.cfg.WebSocketPortStart, r.cfg.WebSocketPortEnd)
	if err != nil {
		return nil, err
	}

	logger := r.cfg.Logger.With(slog.String("session", key.String()))
	logger.Info("setting up debugger proxy",
		slog.String("app", key.AppID),
		slog.Int("port", port))

	modes := r.cfg.Modes
	if modes == nil {
		modes = device.NewStatic(dev)
	}

	coord := websocket.NewCoordinator(websocket.Config{
		Key:     key,
		Wired:   wired,
		LAN:     r.lanConnector(dev),
		Modes:   modes,
		Locker:  r.cfg.Locker,
		Metrics: r.cfg.Metrics,
		Logger:  r.cfg.Logger,
	}, r.handler)

	server := &http.Server{
		Handler:           coord,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ep := &Endpoint{
		Key:     key,
		Mode:    ModeWebSocket,
		Network: "tcp",
		Address: ln.Addr().String(),
		Port:    port,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(ep.done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket proxy stopped", slog.String("error", err.Error()))
		}
	}()

	ep.stop = func() error {
		logger.Info("closing websocket proxy", slog.Int("port", port))

		// Refuse new handshakes and drop the active frontend; hijacked
		// connections are not tracked by Shutdown.
		coord.Close()

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(ctx)
		if err != nil {
			logger.Warn("websocket proxy shutdown", slog.String("error", err.Error()))
			err = server.Close()
		}
		<-ep.done
		r.cfg.Metrics.ProxyClosed(string(ModeWebSocket))
		return err
	}

	r.cfg.Metrics.ProxyOpened(string(ModeWebSocket))
	return ep, nil
}

func (r *Registry) lanConnector(dev device.Device) backend.Connector {
	known := r.cfg.Known
	if known == nil {
		known, _ = r.cfg.Ports.(device.KnownPorts)
	}
	return backend.NewLANConnector(backend.LANConnectorConfig{
		Device:           dev,
		Ports:            r.cfg.Ports,
		Known:            known,
		DiscoveryTimeout: r.cfg.DiscoveryTimeout,
		ConnectTimeout:   r.cfg.ConnectTimeout,
		Hostname:         r.cfg.LANHostname,
		Dial:             r.cfg.LANDial,
		Metrics:          r.cfg.Metrics,
		Logger:           r.cfg.Logger,
	})
}
