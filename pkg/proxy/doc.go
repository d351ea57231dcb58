// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package proxy creates and tracks the frontend endpoints of debug sessions,
// wiring servers, backend socket lifecycles and handlers together.
//
// # Architecture
//
//	Application
//	     ↓
//	┌──────────────────┐
//	│  Registry        │  (one endpoint per session and mode)
//	└──────────────────┘
//	     ↓
//	┌──────────────────┐
//	│  Server          │  (Frontend)
//	│ - tcp            │  raw single-consumer pass-through
//	│ - websocket      │  handshake coordinator + message relay
//	└──────────────────┘
//	     ↓
//	┌──────────────────┐
//	│  backend         │  (Inspector socket)
//	│ - Lifecycle      │  through the device transport
//	│ - LANConnector   │  direct to WiFi-only devices
//	└──────────────────┘
//	     ↓
//	┌──────────────────┐
//	│  Handler         │  (Session events)
//	└──────────────────┘
//
// # Modes
//
//   - ModeRawTCP: a unix socket file (or tcp listener) piped byte for byte to
//     the backend socket. One frontend per endpoint; the endpoint is removed
//     once either side closes.
//   - ModeWebSocket: a listener on the first free port of a range. Every
//     caller of the same session gets the same endpoint, and each new
//     DevTools frontend replaces the previous one.
//
// # Usage
//
//	reg := proxy.New(proxy.Config{
//		Ports:     watcher,
//		Transport: muxClient,
//		Modes:     inventory,
//		Locker:    session.NewLocker(30 * time.Second),
//		Logger:    logger,
//	}, handler)
//
//	ep, err := reg.GetOrCreateProxy(ctx, dev, "org.nativescript.app", proxy.ModeWebSocket)
//	if err != nil {
//		return err
//	}
//	fmt.Println(ep.DevToolsURL())
//
//	// On shutdown
//	reg.RemoveAll(context.Background())
package proxy
