// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the raw pass-through listener of a debug session.
//
// # Overview
//
// A Server serves exactly one frontend. The bytes it sends and receives are
// piped to the backend socket of the session without any translation:
//
//	┌──────────┐               ┌────────┐                ┌───────────┐
//	│ Frontend │ ←─unix/tcp──→ │ Server │ ←─transport──→ │ Inspector │
//	└──────────┘               └────────┘                └───────────┘
//
// # Connection Flow
//
//  1. Frontend connects; further connections are closed at once
//  2. Server acquires the backend socket of the session
//  3. Server spawns two goroutines copying each direction
//  4. The first direction to end closes both connections
//  5. Server releases the backend socket and calls handler.OnDisconnect()
//  6. Server closes its listener
//
// A failure to acquire the backend emits handler.OnConnectionError() and
// also ends the server.
//
// # Example
//
//	ln, err := net.Listen("unix", filepath.Join(dir, "debug.sock"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cfg := tcp.Config{Key: session.Key{DeviceID: id, AppID: app}}
//	server := tcp.New(cfg, lifecycle, handler)
//	if err := server.Serve(ctx, ln); err != nil {
//		log.Fatal(err)
//	}
package tcp
