// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package session provides the debug session key and the keyed lock that
// serializes work on a session.
package session

import "fmt"

// Key identifies one debug session: an application on a device.
type Key struct {
	DeviceID string
	AppID    string
}

// String returns the key in "<device>-<app>" form.
func (k Key) String() string {
	return fmt.Sprintf("%s-%s", k.DeviceID, k.AppID)
}

// ConnectionLockName names the lock held while a frontend handshake is
// wired to its backend.
func ConnectionLockName(k Key) string {
	return "debug-connection-" + k.String() + ".lock"
}

// SocketLockName names the lock held while the backend socket of a session
// is created or destroyed.
func SocketLockName(k Key) string {
	return "ios-debug-socket-" + k.String() + ".lock"
}
