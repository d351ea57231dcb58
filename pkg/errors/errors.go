// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the debug bridge.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Bridge error types
var (
	// ErrPortDiscoveryTimeout indicates the application did not report its
	// inspector port within the discovery timeout.
	ErrPortDiscoveryTimeout = errors.New("port discovery timeout")

	// ErrConnectTimeout indicates the backend socket did not connect in time.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrConnectRefused indicates the backend refused the connection.
	ErrConnectRefused = errors.New("connect refused")

	// ErrDuplicateProxyRequested indicates a raw proxy already exists for the session.
	ErrDuplicateProxyRequested = errors.New("duplicate proxy requested")

	// ErrHandshakeDenied indicates a frontend handshake was rejected.
	ErrHandshakeDenied = errors.New("handshake denied")

	// ErrLockTimeout indicates a session lock could not be taken in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrDrainTimeout indicates in-flight work did not finish during teardown.
	ErrDrainTimeout = errors.New("drain timeout")

	// ErrRegistryClosed indicates the proxy registry no longer accepts requests.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrSocketClosed indicates the backend socket is already closed.
	ErrSocketClosed = errors.New("socket closed")
)

// SessionError wraps an error with the debug session it belongs to.
type SessionError struct {
	Op       string // Operation that failed
	DeviceID string // Device identifier
	AppID    string // Application identifier
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.AppID != "" {
		return fmt.Sprintf("%s device %s app %s: %v", e.Op, e.DeviceID, e.AppID, e.Err)
	}
	return fmt.Sprintf("%s device %s: %v", e.Op, e.DeviceID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, deviceID, appID string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:       op,
		DeviceID: deviceID,
		AppID:    appID,
		Err:      err,
	}
}

// ClassifyDialError maps a dial failure onto ErrConnectTimeout or
// ErrConnectRefused, keeping the original error in the chain.
func ClassifyDialError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrConnectRefused) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectRefused, err)
}

// IsRetryable reports whether the caller may retry the operation that
// produced err. The bridge itself never retries.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPortDiscoveryTimeout) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrLockTimeout)
}
