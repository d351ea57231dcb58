// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements the WebSocket endpoint a debugger frontend
// connects to.
//
// # Handshake
//
// The Coordinator completes an upgrade only once the backend socket of the
// session is ready:
//
//  1. Non-upgrade requests are answered with 426
//  2. The connection lock of the session is taken
//  3. Any current session is closed on both sides
//  4. A connector is chosen by connectivity mode (LAN for WiFi-only devices)
//  5. The backend socket is connected and stored in the request context
//  6. The upgrade is accepted and the lock released as wiring begins
//
// A failure in steps 2 to 5 denies the handshake with 502 and reports a
// handler.ConnectionError.
//
// # Relay
//
// Two goroutines move messages once wired:
//
//	frontend text message → codec.Writer → backend frame
//	backend frame → codec.Reader → frontend text message
//
// Whichever side closes first closes the other.
package websocket
