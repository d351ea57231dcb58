// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/Yellowbox-AU/debugbridge/pkg/backend"
	"github.com/Yellowbox-AU/debugbridge/pkg/netutil"
	"github.com/Yellowbox-AU/debugbridge/pkg/server/tcp"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
)

// newRaw creates a single-consumer pass-through listener for key. The
// endpoint stops by itself once its session ends.
func (r *Registry) newRaw(ctx context.Context, key session.Key, wired *backend.Lifecycle) (*Endpoint, error) {
	ln, cleanup, err := r.listenRaw()
	if err != nil {
		return nil, err
	}

	server := tcp.New(tcp.Config{
		Key:             key,
		ShutdownTimeout: r.cfg.ShutdownTimeout,
		Metrics:         r.cfg.Metrics,
		Logger:          r.cfg.Logger,
	}, wired, r.handler)

	ep := &Endpoint{
		Key:     key,
		Mode:    ModeRawTCP,
		Network: ln.Addr().Network(),
		Address: ln.Addr().String(),
		Port:    netutil.PortOf(ln.Addr()),
		done:    make(chan struct{}),
	}
	if ep.Network == "unix" {
		r.cfg.Logger.Info("socket-file-location: " + ep.Address)
	}

	go func() {
		defer close(ep.done)
		defer cleanup()
		if err := server.Serve(context.WithoutCancel(ctx), ln); err != nil && !errors.Is(err, tcp.ErrShutdownTimeout) {
			r.cfg.Logger.Error("raw proxy stopped",
				slog.String("session", key.String()),
				slog.String("error", err.Error()))
		}
		r.cfg.Metrics.ProxyClosed(string(ModeRawTCP))
	}()

	ep.stop = func() error {
		err := server.Close()
		<-ep.done
		return err
	}

	r.cfg.Metrics.ProxyOpened(string(ModeRawTCP))
	return ep, nil
}

func (r *Registry) listenRaw() (net.Listener, func(), error) {
	if r.cfg.RawNetwork == "unix" {
		return netutil.ListenUnixTemp("debugbridge-", "inspector.sock")
	}

	address := r.cfg.RawAddress
	if address == "" {
		address = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return ln, func() {}, nil
}
