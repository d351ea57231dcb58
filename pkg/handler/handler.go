// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"fmt"

	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
)

// Context contains the metadata of one frontend session.
// It is passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this frontend connection
	SessionID string

	// DeviceID identifies the device the session is bridged to
	DeviceID string

	// AppID identifies the application being debugged
	AppID string

	// RemoteAddr is the frontend's network address
	RemoteAddr string

	// Protocol indicates the frontend transport (websocket, tcp)
	Protocol string

	// Replaced reports, on disconnect, that a newer frontend took the
	// session over.
	Replaced bool
}

// ConnectionError describes a failure to bridge a frontend to its backend.
// Message is a single human readable line naming the device. Retryable
// reports that the same request may succeed later, for example once the
// application has started.
type ConnectionError struct {
	DeviceID  string
	AppID     string
	Message   string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError builds the event emitted when a session cannot be
// established on deviceID.
func NewConnectionError(deviceID, appID string, err error) ConnectionError {
	return ConnectionError{
		DeviceID:  deviceID,
		AppID:     appID,
		Message:   fmt.Sprintf("Cannot connect to device %s: %v", deviceID, err),
		Retryable: bridgeerrors.IsRetryable(err),
		Err:       err,
	}
}

// Handler receives session lifecycle events from the bridge.
//
// Errors returned by these methods are logged and never affect the session.
type Handler interface {
	// OnConnect is called once a frontend is wired to its backend socket.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called when a wired session ends, whichever side closed.
	OnDisconnect(ctx context.Context, hctx *Context) error

	// OnConnectionError is called when a frontend handshake is denied
	// because the backend could not be reached.
	OnConnectionError(ctx context.Context, cerr ConnectionError) error
}

// NoopHandler is a Handler implementation that ignores every event.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnectionError(ctx context.Context, cerr ConnectionError) error {
	return nil
}
