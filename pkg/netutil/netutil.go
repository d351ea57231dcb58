// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds listener helpers shared by the proxy endpoints.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// ErrNoPortAvailable is returned when every port of a range is taken.
var ErrNoPortAvailable = errors.New("no port available in range")

// IsValidPort reports whether port is a usable TCP port number.
func IsValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// ListenInRange binds the first free TCP port in [start, end] on host and
// returns the listener with the bound port.
func ListenInRange(host string, start, end int) (net.Listener, int, error) {
	if !IsValidPort(start) || !IsValidPort(end) || start > end {
		return nil, 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}

	var lastErr error
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("%w %d-%d: %w", ErrNoPortAvailable, start, end, lastErr)
}

// ListenUnixTemp binds a unix socket named name inside a fresh temporary
// directory. cleanup removes the directory.
func ListenUnixTemp(pattern, name string) (net.Listener, func(), error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	ln, err := net.Listen("unix", filepath.Join(dir, name))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	return ln, cleanup, nil
}

// PortOf returns the port of a TCP address, or 0.
func PortOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
