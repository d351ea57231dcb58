// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package backend manages the device-side inspector sockets of debug
// sessions.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
	"github.com/Yellowbox-AU/debugbridge/pkg/metrics"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
)

// Connector produces a connected backend socket for an application.
type Connector interface {
	Connect(ctx context.Context, appID string) (*Socket, error)
}

// Resetter is implemented by connectors that cache sockets. Reset drops any
// socket held for appID so the next Connect establishes a new one.
type Resetter interface {
	Reset(ctx context.Context, appID string) error
}

var (
	_ Resetter  = (*Lifecycle)(nil)
	_ Connector = (*Lifecycle)(nil)
	_ Connector = (*LANConnector)(nil)
)

// LANConnectorConfig configures a LANConnector.
type LANConnectorConfig struct {
	Device device.Device
	Ports  device.PortReporter

	// Known is consulted before asking the application for a port.
	Known device.KnownPorts

	DiscoveryTimeout time.Duration
	ConnectTimeout   time.Duration

	// Hostname maps a device to the name dialed on the LAN.
	// Defaults to Device.LANHostname.
	Hostname func(device.Device) string

	// Dial defaults to a net.Dialer over tcp4.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// LANConnector reaches a WiFi-only device directly over IPv4, bypassing
// the device transport.
type LANConnector struct {
	cfg LANConnectorConfig
}

// NewLANConnector creates a LANConnector.
func NewLANConnector(cfg LANConnectorConfig) *LANConnector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hostname == nil {
		cfg.Hostname = device.Device.LANHostname
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.DiscoveryTimeout == 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	return &LANConnector{cfg: cfg}
}

// Connect dials the inspector port of appID on the device's LAN address.
func (c *LANConnector) Connect(ctx context.Context, appID string) (*Socket, error) {
	deviceID := c.cfg.Device.Identifier
	key := session.Key{DeviceID: deviceID, AppID: appID}

	port, ok := 0, false
	if c.cfg.Known != nil {
		port, ok = c.cfg.Known.LastReportedPort(deviceID, appID)
	}
	if !ok {
		var err error
		port, err = discoverPort(ctx, c.cfg.Ports, key, c.cfg.DiscoveryTimeout, c.cfg.Metrics)
		if err != nil {
			return nil, err
		}
	}

	host := c.cfg.Hostname(c.cfg.Device)
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.cfg.Dial(dctx, "tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		c.cfg.Metrics.ConnectionError("connect")
		return nil, bridgeerrors.New("connect", deviceID, appID, bridgeerrors.ClassifyDialError(err))
	}

	c.cfg.Logger.Info("connected to inspector over LAN",
		slog.String("device", deviceID),
		slog.String("app", appID),
		slog.String("host", host),
		slog.Int("port", port))
	return NewSocket(conn, key, port), nil
}

func discoverPort(ctx context.Context, ports device.PortReporter, key session.Key, timeout time.Duration, m *metrics.Metrics) (int, error) {
	start := time.Now()
	if err := ports.RequestDebugPort(ctx, key.DeviceID, key.AppID); err != nil {
		m.ConnectionError("discovery")
		m.ObserveDiscovery(start, err)
		return 0, bridgeerrors.New("request port", key.DeviceID, key.AppID, err)
	}
	port, err := ports.AwaitReportedPort(ctx, key.DeviceID, key.AppID, timeout)
	m.ObserveDiscovery(start, err)
	if err != nil {
		m.ConnectionError("discovery")
		return 0, bridgeerrors.New("await port", key.DeviceID, key.AppID, err)
	}
	if port <= 0 {
		m.ConnectionError("discovery")
		return 0, bridgeerrors.New("await port", key.DeviceID, key.AppID,
			fmt.Errorf("%w: invalid port %d", bridgeerrors.ErrPortDiscoveryTimeout, port))
	}
	return port, nil
}
