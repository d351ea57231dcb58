// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface through which the bridge reports
// session events to the rest of the tool.
//
// # Events
//
//   - OnConnect: a frontend was wired to a backend socket
//   - OnDisconnect: a wired session ended
//   - OnConnectionError: a handshake was denied because the backend could
//     not be reached
//
// A backend that closes on its own ends the session normally. Only
// OnDisconnect fires in that case.
//
// # Context
//
// The Context struct carries the session metadata:
//   - SessionID: unique identifier for the frontend connection
//   - DeviceID, AppID: the debug session key
//   - RemoteAddr: frontend network address
//   - Protocol: websocket or tcp
//
// # Example
//
//	type notifier struct {
//		out chan<- string
//	}
//
//	func (n *notifier) OnConnectionError(ctx context.Context, cerr handler.ConnectionError) error {
//		n.out <- cerr.Message
//		return nil
//	}
package handler
