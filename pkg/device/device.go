// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package device describes the devices the bridge talks to and the
// collaborator interfaces it consumes from the platform layer.
package device

import (
	"context"
	"net"
	"sync"
	"time"
)

// Connectivity is how a device is reachable from the host.
type Connectivity int

const (
	// Wired devices are reached through the device transport.
	Wired Connectivity = iota

	// WiFiOnly devices are reached over the LAN.
	WiFiOnly
)

// String returns a string representation of the connectivity mode.
func (c Connectivity) String() string {
	switch c {
	case Wired:
		return "wired"
	case WiFiOnly:
		return "wifi"
	default:
		return "unknown"
	}
}

// Device is one attached device.
type Device struct {
	Identifier   string
	DisplayName  string
	Platform     string
	Connectivity Connectivity
}

// LANHostname returns the multicast DNS name the device answers to on the LAN.
func (d Device) LANHostname() string {
	return d.DisplayName + ".local"
}

// PortReporter negotiates the inspector port of an application.
type PortReporter interface {
	// RequestDebugPort asks the application to open its inspector socket.
	RequestDebugPort(ctx context.Context, deviceID, appID string) error

	// AwaitReportedPort blocks until the application reports its port or
	// timeout elapses.
	AwaitReportedPort(ctx context.Context, deviceID, appID string, timeout time.Duration) (int, error)
}

// KnownPorts exposes the last port reported for a session, if any.
type KnownPorts interface {
	LastReportedPort(deviceID, appID string) (int, bool)
}

// Transport opens byte streams to ports on a device.
type Transport interface {
	OpenSocket(ctx context.Context, deviceID string, port int) (net.Conn, error)
}

// ModeResolver reports how a device is currently connected.
type ModeResolver interface {
	ConnectivityMode(deviceID string) Connectivity
}

// Static is a ModeResolver over a fixed set of devices. Unknown devices are
// reported as Wired.
type Static struct {
	mu      sync.RWMutex
	devices map[string]Device
}

var _ ModeResolver = (*Static)(nil)

// NewStatic returns a resolver for devs.
func NewStatic(devs ...Device) *Static {
	s := &Static{devices: make(map[string]Device, len(devs))}
	for _, d := range devs {
		s.devices[d.Identifier] = d
	}
	return s
}

// Set adds or replaces a device.
func (s *Static) Set(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.Identifier] = d
}

// Lookup returns the device with the given identifier.
func (s *Static) Lookup(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

func (s *Static) ConnectivityMode(deviceID string) Connectivity {
	d, ok := s.Lookup(deviceID)
	if !ok {
		return Wired
	}
	return d.Connectivity
}
