// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Command debugbridge bridges debugger frontends to the inspector of an
// application running on a device.
//
// Usage:
//
//	# Expose a DevTools WebSocket endpoint and exit when the frontend leaves
//	debugbridge serve --device 00008030-001A --app org.nativescript.demo
//
//	# Keep serving across frontend reconnects
//	debugbridge serve --device 00008030-001A --app org.nativescript.demo --watch
//
//	# Raw pass-through on a unix socket
//	debugbridge serve --device 00008030-001A --app org.nativescript.demo --mode tcp
//
//	# List the devices inventory
//	debugbridge devices
package main

func main() {
	Execute()
}
