// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"sync"

	"github.com/Yellowbox-AU/debugbridge/pkg/session"
)

// Mode selects the kind of frontend endpoint a proxy exposes.
type Mode string

const (
	// ModeRawTCP pipes one frontend byte stream straight to the backend socket.
	ModeRawTCP Mode = "tcp"
	// ModeWebSocket serves DevTools frontends over WebSocket and translates
	// text messages to and from inspector frames.
	ModeWebSocket Mode = "websocket"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRawTCP || m == ModeWebSocket
}

// devToolsFrontend is the bundled inspector frontend revision the DevTools
// browser serves from its own resources.
const devToolsFrontend = "devtools://devtools/remote/serve_file/@73ee5087001dcef33047c4ed650471b225dd8caf/inspector.html"

// Endpoint is a live frontend listener for one debug session.
type Endpoint struct {
	Key     session.Key
	Mode    Mode
	Network string
	Address string

	// Port is the bound TCP port, or 0 for unix sockets.
	Port int

	stop func() error
	done chan struct{}

	once     sync.Once
	closeErr error
}

// DevToolsURL returns the URL a DevTools browser opens to attach to a
// WebSocket endpoint. It is empty for raw endpoints.
func (e *Endpoint) DevToolsURL() string {
	if e.Mode != ModeWebSocket {
		return ""
	}
	return fmt.Sprintf("%s?ws=127.0.0.1:%d", devToolsFrontend, e.Port)
}

// Close stops the endpoint and tears down its session. It is safe to call
// more than once.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.closeErr = e.stop()
	})
	return e.closeErr
}

// Done is closed once the endpoint has stopped serving.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// EndpointInfo is the reportable view of an Endpoint.
type EndpointInfo struct {
	Session     string `json:"session"`
	DeviceID    string `json:"device_id"`
	AppID       string `json:"app_id"`
	Mode        Mode   `json:"mode"`
	Network     string `json:"network"`
	Address     string `json:"address"`
	Port        int    `json:"port,omitempty"`
	DevToolsURL string `json:"devtools_url,omitempty"`
}

// Info returns the reportable view of e.
func (e *Endpoint) Info() EndpointInfo {
	return EndpointInfo{
		Session:     e.Key.String(),
		DeviceID:    e.Key.DeviceID,
		AppID:       e.Key.AppID,
		Mode:        e.Mode,
		Network:     e.Network,
		Address:     e.Address,
		Port:        e.Port,
		DevToolsURL: e.DevToolsURL(),
	}
}
